// Package wallet maps application users to their custody-assisted wallets.
//
// Provisioning is serialized per user twice: in-process with singleflight and
// across processes with a SetNX lock in the shared cache, so concurrent first
// logins produce exactly one CreateWallet call.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/polisai/tokenswipe/internal/governance"
	"github.com/polisai/tokenswipe/pkg/cache"
	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/telemetry"
)

const (
	DefaultTTL          = 24 * time.Hour
	defaultPollInterval = 50 * time.Millisecond
	maxPollInterval     = 500 * time.Millisecond
)

// Directory implements GetOrCreateWallet and GetWallet over a cache and a
// custody provider.
type Directory struct {
	cache    cache.Cache
	custody  domain.CustodyProvider
	timeouts *governance.TimeoutManager
	group    singleflight.Group

	ttl          time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// Option customises a Directory.
type Option func(*Directory)

// WithTTL overrides the wallet record TTL.
func WithTTL(ttl time.Duration) Option { return func(d *Directory) { d.ttl = ttl } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(d *Directory) { d.logger = logger } }

// WithMetrics records lookup outcomes.
func WithMetrics(m *telemetry.Metrics) Option { return func(d *Directory) { d.metrics = m } }

// WithTimeouts shares a timeout manager.
func WithTimeouts(tm *governance.TimeoutManager) Option {
	return func(d *Directory) { d.timeouts = tm }
}

// WithPollInterval sets the initial interval used while waiting on another
// process's provisioning lock.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Directory) { d.pollInterval = interval }
}

// NewDirectory builds a Directory.
func NewDirectory(c cache.Cache, custody domain.CustodyProvider, opts ...Option) *Directory {
	d := &Directory{
		cache:        c,
		custody:      custody,
		ttl:          DefaultTTL,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.timeouts == nil {
		d.timeouts = governance.NewTimeoutManager(governance.DefaultTimeoutConfig())
	}
	return d
}

// GetWallet returns the wallet for userID. It never creates one: a record
// missing from the cache is looked up at the custody provider and cached again.
func (d *Directory) GetWallet(ctx context.Context, userID string) (domain.WalletRecord, error) {
	if userID == "" {
		return domain.WalletRecord{}, domain.NewError(domain.ErrInvalidRequest, "user id is required")
	}
	rec, found, err := d.lookup(ctx, userID)
	if err != nil {
		d.metrics.RecordWalletLookup("error")
		return domain.WalletRecord{}, err
	}
	if found {
		d.metrics.RecordWalletLookup("hit")
		return rec, nil
	}
	return d.rederive(ctx, userID)
}

// rederive re-derives an evicted record from custody.
func (d *Directory) rederive(ctx context.Context, userID string) (domain.WalletRecord, error) {
	cctx, cancel := d.timeouts.WithCustodyTimeout(ctx)
	defer cancel()

	rec, err := d.custody.FindWallet(cctx, userID)
	switch {
	case errors.Is(err, domain.ErrWalletNotFound):
		d.metrics.RecordWalletLookup("not_found")
		return domain.WalletRecord{}, domain.NewError(domain.ErrWalletNotFound, "wallet not found")
	case err != nil:
		d.metrics.RecordWalletLookup("error")
		return domain.WalletRecord{}, domain.Wrap(domain.ErrProviderUnavailable, err, "wallet lookup failed")
	case rec.Address == "":
		d.metrics.RecordWalletLookup("not_found")
		return domain.WalletRecord{}, domain.NewError(domain.ErrWalletNotFound, "wallet not found")
	}
	rec.UserID = userID

	d.store(ctx, userID, rec)
	d.metrics.RecordWalletLookup("recovered")
	d.logger.Info("Wallet recovered from custody", "user_id", userID, "address", rec.Address)
	return rec, nil
}

// store writes rec with a fresh TTL. Failures are logged; the caller already
// holds a valid record.
func (d *Directory) store(ctx context.Context, userID string, rec domain.WalletRecord) {
	if err := cache.SetJSON(ctx, d.cache, cache.WalletKey(userID), rec, d.ttl); err != nil {
		d.logger.Warn("Failed to refresh wallet record", "user_id", userID, "error", err)
	}
}

// GetOrCreateWallet returns the user's wallet, provisioning one through the
// custody provider on first use. A cached record has its TTL renewed so it
// outlives the session issued alongside it.
func (d *Directory) GetOrCreateWallet(ctx context.Context, userID string) (domain.WalletRecord, error) {
	if userID == "" {
		return domain.WalletRecord{}, domain.NewError(domain.ErrInvalidRequest, "user id is required")
	}

	rec, found, err := d.lookup(ctx, userID)
	if err != nil {
		// A read failure is treated as a miss; the write below surfaces it if it persists.
		d.logger.Warn("Wallet cache read failed", "user_id", userID, "error", err)
	}
	if found {
		d.store(ctx, userID, rec)
		d.metrics.RecordWalletLookup("hit")
		return rec, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "wallet.provision")
	defer span.End()

	// Provisioning outlives a cancelled caller so that waiters sharing the
	// flight still get the record.
	ch := d.group.DoChan(userID, func() (any, error) {
		return d.provision(context.WithoutCancel(ctx), userID)
	})
	select {
	case <-ctx.Done():
		return domain.WalletRecord{}, domain.Wrap(domain.ErrWalletCreationFailed, ctx.Err(), "wallet provisioning cancelled")
	case res := <-ch:
		if res.Err != nil {
			telemetry.RecordError(span, res.Err)
			d.metrics.RecordWalletLookup("error")
			return domain.WalletRecord{}, res.Err
		}
		if res.Shared {
			d.logger.Debug("Wallet provisioning shared", "user_id", userID)
		}
		return res.Val.(domain.WalletRecord), nil
	}
}

func (d *Directory) provision(ctx context.Context, userID string) (domain.WalletRecord, error) {
	if rec, found, _ := d.lookup(ctx, userID); found {
		d.metrics.RecordWalletLookup("hit")
		return rec, nil
	}

	custodyTimeout := d.timeouts.Config().Custody
	lockKey := cache.WalletLockKey(userID)
	owner := uuid.NewString()

	acquired, err := d.cache.SetNX(ctx, lockKey, []byte(owner), custodyTimeout+5*time.Second)
	if err != nil {
		return domain.WalletRecord{}, domain.Wrap(domain.ErrCacheUnavailable, err, "wallet lock unavailable")
	}
	if !acquired {
		return d.awaitWinner(ctx, userID, custodyTimeout)
	}
	defer func() {
		if err := d.cache.Delete(context.WithoutCancel(ctx), lockKey); err != nil {
			d.logger.Warn("Failed to release wallet lock", "user_id", userID, "error", err)
		}
	}()

	// Another process may have stored the record between our miss and the lock.
	if rec, found, _ := d.lookup(ctx, userID); found {
		d.metrics.RecordWalletLookup("hit")
		return rec, nil
	}

	cctx, cancel := d.timeouts.WithCustodyTimeout(ctx)
	defer cancel()

	start := time.Now()
	rec, err := d.custody.CreateWallet(cctx, userID)
	if err != nil {
		d.logger.Error("Custody wallet creation failed", "user_id", userID, "error", err, "duration", time.Since(start))
		return domain.WalletRecord{}, domain.Wrap(domain.ErrWalletCreationFailed, err, "wallet creation failed")
	}
	if rec.Address == "" {
		return domain.WalletRecord{}, domain.NewError(domain.ErrWalletCreationFailed, "custody returned no address")
	}
	rec.UserID = userID

	if err := cache.SetJSON(ctx, d.cache, cache.WalletKey(userID), rec, d.ttl); err != nil {
		return domain.WalletRecord{}, domain.Wrap(domain.ErrCacheUnavailable, err, "failed to store wallet")
	}

	d.metrics.RecordWalletLookup("created")
	d.logger.Info("Wallet provisioned", "user_id", userID, "address", rec.Address, "duration", time.Since(start))
	return rec, nil
}

// awaitWinner polls for the record stored by the process holding the lock.
func (d *Directory) awaitWinner(ctx context.Context, userID string, limit time.Duration) (domain.WalletRecord, error) {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()

	interval := d.pollInterval
	for {
		select {
		case <-ctx.Done():
			return domain.WalletRecord{}, domain.Wrap(domain.ErrWalletCreationFailed, ctx.Err(), "wallet provisioning cancelled")
		case <-deadline.C:
			return domain.WalletRecord{}, domain.NewError(domain.ErrWalletCreationFailed, "timed out waiting for concurrent wallet provisioning")
		case <-time.After(interval):
		}

		if rec, found, _ := d.lookup(ctx, userID); found {
			d.metrics.RecordWalletLookup("hit")
			return rec, nil
		}
		interval = min(interval*2, maxPollInterval)
	}
}

func (d *Directory) lookup(ctx context.Context, userID string) (domain.WalletRecord, bool, error) {
	var rec domain.WalletRecord
	err := cache.GetJSON(ctx, d.cache, cache.WalletKey(userID), &rec)
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, cache.ErrMiss):
		return domain.WalletRecord{}, false, nil
	default:
		return domain.WalletRecord{}, false, domain.Wrap(domain.ErrCacheUnavailable, err, "wallet lookup failed")
	}
}
