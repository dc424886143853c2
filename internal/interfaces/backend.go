// Package interfaces provides internal interface definitions for the OHCI
// controller core. These are separate from the public package to avoid
// circular imports between the root package and the internal subsystems.
package interfaces

import "time"

// RegisterIO is the narrow facade every component that touches hardware
// registers consumes. It never exposes the BAR directly so fakes can stand
// in for real MMIO in tests.
type RegisterIO interface {
	Read(offset uint32) (uint32, error)
	Write(offset uint32, value uint32) error
	WriteAndFlush(offset uint32, value uint32, flushOffset uint32) error
}

// StrobeRegister is a write-only Set/Clear register pair with a software
// shadow, e.g. IntMask, LinkControl, HCControl, a DMA context's ContextControl.
type StrobeRegister interface {
	SetBits(mask uint32) error
	ClearBits(mask uint32) error
	Bits() uint32
}

// PhyAccess exposes the blocking PHY register protocol behind PhyControl.
type PhyAccess interface {
	ReadPhy(reg uint8) (uint8, bool, error)
	WritePhy(reg uint8, val uint8) error
	UpdatePhy(reg uint8, clearMask, setMask uint8) error
}

// Logger interface for optional leveled logging, consumed structurally by
// whichever package needs it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer interface for metrics collection. Implementations must be
// thread-safe: methods are called from the work-queue task and from the
// interrupt-dispatch path. Uses a plain string status code rather than the
// root package's ErrorCode type to avoid an import cycle; the root
// package's *MetricsObserver satisfies this structurally.
type Observer interface {
	ObserveBusReset(latency time.Duration, aborted, failed bool)
	ObserveTransaction(latencyNs uint64, code string)
	ObserveScanComplete(generation uint8, nodesOK, nodesFailed int)
	ObserveQueueDepth(depth uint32)
}

// Clock abstracts monotonic time so FSMs can be driven by fakes in tests.
type Clock interface {
	NowNs() uint64
	AfterFunc(d time.Duration, f func()) func() bool
}
