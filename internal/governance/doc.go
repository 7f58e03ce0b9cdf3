// Package governance coordinates runtime safety controls for tokenswipe:
// per-venue circuit breaking, timeout budgets for venue and custody calls,
// bounded retries for idempotent reads, and per-client rate limiting.
//
// Every control supports reconfiguration at runtime so hot-reloaded settings
// apply without a restart.
package governance
