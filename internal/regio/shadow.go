package regio

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fw-ohci/go-ohci-core/internal/constants"
	"github.com/fw-ohci/go-ohci-core/internal/interfaces"
)

// Registers is the typed facade over the OHCI BAR. It owns a software
// shadow for every write-only strobe-pair register (spec §3 "Register
// view", §4.1): the shadow is the single source of truth for predicate
// queries since the hardware offset itself may be undefined on read.
type Registers struct {
	io interfaces.RegisterIO

	hcControl    atomic.Uint32
	linkControl  atomic.Uint32
	intMask      atomic.Uint32
	isoXmitMask  atomic.Uint32
	isoRecvMask  atomic.Uint32
}

// New wraps a RegisterIO with the strobe-shadow facade. The shadows start
// at zero and are not read back from the hardware's latched values.
func New(io interfaces.RegisterIO) *Registers {
	return &Registers{io: io}
}

// Read and Write pass straight through for non-strobe, non-shadowed
// registers (Version, GUIDROM, BusOptions, NodeID, CycleTimer, ...).
func (r *Registers) Read(off Offset) (uint32, error) {
	if r.io == nil {
		return 0, fmt.Errorf("regio: not attached")
	}
	return r.io.Read(uint32(off))
}

func (r *Registers) Write(off Offset, value uint32) error {
	if r.io == nil {
		return fmt.Errorf("regio: not attached")
	}
	return r.io.Write(uint32(off), value)
}

// WriteAndFlush writes then performs a posted-write-flushing readback of a
// safe register (spec §4.1 contract), guaranteeing the write has landed
// before the caller proceeds.
func (r *Registers) WriteAndFlush(off Offset, value uint32) error {
	if r.io == nil {
		return fmt.Errorf("regio: not attached")
	}
	return r.io.WriteAndFlush(uint32(off), value, uint32(Version))
}

// strobe performs a write to setOff/clearOff and atomically updates shadow,
// implementing the "writes the hardware and updates the shadow atomically"
// contract of spec §4.1. Atomicity here means: the shadow is only mutated
// after the hardware write succeeds, and the CAS loop ensures concurrent
// callers never lose an update.
func (r *Registers) strobe(shadow *atomic.Uint32, setOff, clearOff Offset, setMask, clearMask uint32) error {
	if setMask != 0 {
		if err := r.Write(setOff, setMask); err != nil {
			return err
		}
	}
	if clearMask != 0 {
		if err := r.Write(clearOff, clearMask); err != nil {
			return err
		}
	}
	for {
		old := shadow.Load()
		next := (old | setMask) &^ clearMask
		if shadow.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// HCControl exposes the HCControl strobe pair (OHCI §5.3).
func (r *Registers) HCControlBits() uint32 { return r.hcControl.Load() }
func (r *Registers) SetHCControl(mask uint32) error {
	return r.strobe(&r.hcControl, HCControlSet, HCControlClear, mask, 0)
}
func (r *Registers) ClearHCControl(mask uint32) error {
	return r.strobe(&r.hcControl, HCControlSet, HCControlClear, 0, mask)
}

// LinkControl exposes the LinkControl strobe pair (OHCI §5.10).
func (r *Registers) LinkControlBits() uint32 { return r.linkControl.Load() }
func (r *Registers) SetLinkControl(mask uint32) error {
	return r.strobe(&r.linkControl, LinkControlSet, LinkControlClear, mask, 0)
}
func (r *Registers) ClearLinkControl(mask uint32) error {
	return r.strobe(&r.linkControl, LinkControlSet, LinkControlClear, 0, mask)
}

// IntMask exposes the IntMask strobe pair (OHCI §5.7). SetIntMask/ClearIntMask
// are the only legal way to mutate the enabled-interrupt set; the shadow is
// what the interrupt dispatcher masks incoming snapshots against.
func (r *Registers) IntMaskBits() uint32 { return r.intMask.Load() }
func (r *Registers) SetIntMask(mask uint32) error {
	return r.strobe(&r.intMask, IntMaskSet, IntMaskClear, mask, 0)
}
func (r *Registers) ClearIntMask(mask uint32) error {
	return r.strobe(&r.intMask, IntMaskSet, IntMaskClear, 0, mask)
}

// EnableBaseline programs the baseline interrupt mask plus the master
// enable bit, per spec §4.1 ("masterIntEnable must also be set for any
// delivery").
func (r *Registers) EnableBaseline() error {
	return r.SetIntMask(BaseIntMask | IntMaskMasterIntEnable)
}

// IsoXmitIntMask / IsoRecvIntMask: out of the core's scope (isoch is a
// Non-goal) but the strobe shadow is kept so the isoch collaborator named
// in spec §6 can be handed a consistent view without re-deriving it.
func (r *Registers) IsoXmitIntMaskBits() uint32 { return r.isoXmitMask.Load() }
func (r *Registers) SetIsoXmitIntMask(mask uint32) error {
	return r.strobe(&r.isoXmitMask, IsoXmitIntMaskSet, IsoXmitIntMaskClear, mask, 0)
}
func (r *Registers) IsoRecvIntMaskBits() uint32 { return r.isoRecvMask.Load() }
func (r *Registers) SetIsoRecvIntMask(mask uint32) error {
	return r.strobe(&r.isoRecvMask, IsoRecvIntMaskSet, IsoRecvIntMaskClear, mask, 0)
}

// ContextControl is a strobe-shadowed facade for one of the four DMA
// context-control registers. Each async DMA context owns one of these.
type ContextControl struct {
	regs            *Registers
	setOff, clearOff Offset
	shadow          atomic.Uint32
}

// Context returns the strobe shadow for the context-control register pair
// at setOff/clearOff (one of the AsReq*/AsRsp* pairs in offsets.go).
func (r *Registers) Context(setOff, clearOff Offset) *ContextControl {
	return &ContextControl{regs: r, setOff: setOff, clearOff: clearOff}
}

func (c *ContextControl) Bits() uint32 { return c.shadow.Load() }
func (c *ContextControl) SetBits(mask uint32) error {
	return c.regs.strobe(&c.shadow, c.setOff, c.clearOff, mask, 0)
}
func (c *ContextControl) ClearBits(mask uint32) error {
	return c.regs.strobe(&c.shadow, c.setOff, c.clearOff, 0, mask)
}

// WaitInactive polls this context's read view (the live Registers.Read, not
// the shadow — "active" is hardware-reported) until the active bit (bit 10
// of ContextControl per OHCI Table 3-3) clears, bounded by
// constants.ContextStopTimeout (spec §4.6 "poll active for up to 100ms").
const contextControlActiveBit uint32 = 1 << 10

func (c *ContextControl) WaitInactive() error {
	deadline := time.Now().Add(constants.ContextStopTimeout)
	readOff := c.setOff // the Set offset is also the read view for context-control
	for {
		v, err := c.regs.Read(readOff)
		if err != nil {
			return err
		}
		if v&contextControlActiveBit == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("regio: context %#x active bit did not clear within %s", readOff, constants.ContextStopTimeout)
		}
		time.Sleep(constants.ContextStopPollInterval)
	}
}
