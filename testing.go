package ohci

import (
	"sync"

	"github.com/fw-ohci/go-ohci-core/internal/interfaces"
	"github.com/fw-ohci/go-ohci-core/internal/regio"
)

var _ interfaces.RegisterIO = (*FakeHardware)(nil)

// strobePair names a write-only Set/Clear offset pair; FakeHardware treats
// a write to setOff as OR-ing bits into the shadow kept at setOff, and a
// write to clearOff as AND-NOT-ing the same shadow (OHCI Table 5-7 style
// "strobe register" semantics). Reads from setOff return the shadow; reads
// from clearOff are never issued by real callers but return 0, matching
// undefined hardware behavior for a write-only offset.
type strobePair struct {
	set, clear uint32
}

// knownStrobePairs enumerates every Set/Clear register pair this core
// touches, so FakeHardware can model the write-only semantics spec §4.1
// describes without hand-listing every call site that happens to use one.
var knownStrobePairs = []strobePair{
	{uint32(regio.HCControlSet), uint32(regio.HCControlClear)},
	{uint32(regio.IntEventSet), uint32(regio.IntEventClear)},
	{uint32(regio.IntMaskSet), uint32(regio.IntMaskClear)},
	{uint32(regio.IsoXmitIntMaskSet), uint32(regio.IsoXmitIntMaskClear)},
	{uint32(regio.IsoRecvIntMaskSet), uint32(regio.IsoRecvIntMaskClear)},
	{uint32(regio.LinkControlSet), uint32(regio.LinkControlClear)},
	{uint32(regio.AsReqFilterHiSet), uint32(regio.AsReqFilterHiClear)},
	{uint32(regio.AsReqFilterLoSet), uint32(regio.AsReqFilterLoClear)},
	{uint32(regio.AsReqTrContextControlSet), uint32(regio.AsReqTrContextControlClear)},
	{uint32(regio.AsRspTrContextControlSet), uint32(regio.AsRspTrContextControlClear)},
	{uint32(regio.AsReqRcvContextControlSet), uint32(regio.AsReqRcvContextControlClear)},
	{uint32(regio.AsRspRcvContextControlSet), uint32(regio.AsRspRcvContextControlClear)},
}

// FakeHardware implements interfaces.RegisterIO over an in-memory latch
// array, for tests that need a register facade without real MMIO (spec
// §2.4 test tooling). It tracks call counts the way the teacher's
// MockBackend tracked read/write/flush calls, for assertions that a
// component touched hardware the expected number of times.
type FakeHardware struct {
	mu      sync.Mutex
	plain   map[uint32]uint32
	shadows map[uint32]uint32 // keyed by the strobe pair's Set offset

	readCalls  int
	writeCalls int
	flushCalls int
}

// NewFakeHardware constructs an empty FakeHardware; every register starts
// at zero, matching a freshly reset controller.
func NewFakeHardware() *FakeHardware {
	return &FakeHardware{
		plain:   make(map[uint32]uint32),
		shadows: make(map[uint32]uint32),
	}
}

func (f *FakeHardware) pairFor(offset uint32) (strobePair, bool) {
	for _, p := range knownStrobePairs {
		if p.set == offset || p.clear == offset {
			return p, true
		}
	}
	return strobePair{}, false
}

// Read implements interfaces.RegisterIO.
func (f *FakeHardware) Read(offset uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls++

	if pair, ok := f.pairFor(offset); ok {
		if offset == pair.clear {
			return 0, nil // write-only: a read of the Clear offset is undefined
		}
		return f.shadows[pair.set], nil
	}
	return f.plain[offset], nil
}

// Write implements interfaces.RegisterIO, applying strobe semantics for
// known Set/Clear pairs and a plain store for every other register.
func (f *FakeHardware) Write(offset uint32, value uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++

	if pair, ok := f.pairFor(offset); ok {
		if offset == pair.set {
			f.shadows[pair.set] |= value
		} else {
			f.shadows[pair.set] &^= value
		}
		return nil
	}
	f.plain[offset] = value
	return nil
}

// WriteAndFlush implements interfaces.RegisterIO: writes, then performs the
// posted-write-flushing readback of flushOffset that the real facade uses
// to guarantee ordering.
func (f *FakeHardware) WriteAndFlush(offset, value, flushOffset uint32) error {
	if err := f.Write(offset, value); err != nil {
		return err
	}
	f.mu.Lock()
	f.flushCalls++
	f.mu.Unlock()
	_, err := f.Read(flushOffset)
	return err
}

// SetRaw stages a plain register's value directly, for tests that need to
// hand-craft a read view (e.g. CycleTimer, NodeID) without going through
// Write's strobe-pair interpretation.
func (f *FakeHardware) SetRaw(offset uint32, value uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plain[offset] = value
}

// ShadowBits returns the current shadow for the strobe pair whose Set
// offset is setOffset, for tests asserting on masked state directly.
func (f *FakeHardware) ShadowBits(setOffset uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shadows[setOffset]
}

// CallCounts mirrors the teacher's MockBackend.CallCounts: a snapshot of
// how many times each RegisterIO method has been invoked.
func (f *FakeHardware) CallCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int{
		"read":  f.readCalls,
		"write": f.writeCalls,
		"flush": f.flushCalls,
	}
}

// Reset clears every latch and call counter back to a freshly-constructed
// state, for table-driven tests that reuse one FakeHardware across cases.
func (f *FakeHardware) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plain = make(map[uint32]uint32)
	f.shadows = make(map[uint32]uint32)
	f.readCalls = 0
	f.writeCalls = 0
	f.flushCalls = 0
}
