//go:build !(linux && cgo)

package uring

// Sfence is a no-op on platforms without the cgo-backed x86 fence
// implementation; Go's memory model already orders the atomic operations
// descriptor-ring producers/consumers use around these calls, so the stub
// keeps non-cgo and non-Linux builds (CI, cross-compiled tooling) working
// without losing correctness on the platforms that matter.
func Sfence() {}

// Mfence is the no-op counterpart to Sfence for non-cgo/non-Linux builds.
func Mfence() {}
