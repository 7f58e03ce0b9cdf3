package tls

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// CertReloader holds the current key pair and replaces it when the PEM files
// change on disk. A failed reload keeps the previous certificate.
type CertReloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu      sync.RWMutex
	cert    *tls.Certificate
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCertReloader loads the key pair once. Call Watch to follow changes.
func NewCertReloader(certFile, keyFile string, logger *slog.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CertReloader{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		logger:   logger,
		done:     make(chan struct{}),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the key pair from disk.
func (r *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// Certificate returns the key pair currently served.
func (r *CertReloader) Certificate() *tls.Certificate {
	cert, _ := r.GetCertificate(nil)
	return cert
}

// Watch follows the directories holding the certificate and key. onReload, if
// set, runs after each successful reload.
func (r *CertReloader) Watch(onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dirs := map[string]struct{}{filepath.Dir(r.certFile): {}, filepath.Dir(r.keyFile): {}}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %q: %w", dir, err)
		}
	}

	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()

	go r.watchLoop(watcher, onReload)
	r.logger.Info("Watching TLS certificate", "cert_file", r.certFile, "key_file", r.keyFile)
	return nil
}

func (r *CertReloader) watchLoop(watcher *fsnotify.Watcher, onReload func()) {
	var debounce *time.Timer
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name != r.certFile && name != r.keyFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := r.Reload(); err != nil {
					r.logger.Error("Failed to reload TLS certificate", "error", err)
					return
				}
				r.logger.Info("TLS certificate reloaded", "cert_file", r.certFile)
				if onReload != nil {
					onReload()
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("Certificate watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (r *CertReloader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	default:
		close(r.done)
	}
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
