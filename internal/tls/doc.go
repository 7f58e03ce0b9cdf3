// Package tls terminates HTTPS for the API listener. Certificates are loaded
// from PEM files and swapped in place when the files change.
package tls
