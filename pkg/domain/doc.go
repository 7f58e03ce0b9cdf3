// Package domain defines the core business types and interfaces for tokenswipe.
//
// This package holds the swap, wallet and session model together with the
// error taxonomy. Apart from the decimal type used for token amounts it has no
// dependencies outside the Go standard library, and it never performs I/O.
//
// Other packages (cache, wallet, aggregator, swap, api) implement or consume the
// interfaces defined here. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
