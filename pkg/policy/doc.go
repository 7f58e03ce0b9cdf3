// Package policy evaluates Rego policies with the embedded Open Policy Agent
// engine before a swap is signed.
//
// Policies contribute messages to a deny set; an empty set allows the swap.
// The built-in module enforces price impact and slippage ceilings, and
// operators can load extra modules from disk.
package policy
