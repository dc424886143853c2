// Package dispatch implements the interrupt dispatcher of spec §4.2: it
// takes a raw IntEvent snapshot, masks it against the enabled-interrupt
// shadow, and fans the surviving bits out to their respective
// collaborators. It never runs FSM actions itself — only the inline ACK of
// non-reset bits and the narrow-masking of busReset on observation.
package dispatch

import (
	"github.com/fw-ohci/go-ohci-core/internal/interfaces"
	"github.com/fw-ohci/go-ohci-core/internal/regio"
)

// Routes are the dispatcher's fan-out hooks. A nil hook simply drops the
// bits it would have received; the dispatcher still ACKs them, except the
// reset-relevant bits, which it never ACKs.
type Routes struct {
	// BusResetRelevant receives busReset | selfIDComplete |
	// selfIDComplete2 | unrecoverableError | regAccessFail, posted to the
	// bus-reset coordinator via an ISR-safe event post.
	BusResetRelevant func(bits uint32)

	// TXComplete receives ReqTxComplete | RespTxComplete.
	TXComplete func(bits uint32)

	// RXPacket receives RQPkt | RSPkt.
	RXPacket func(bits uint32)

	// Isoch receives IsochTx | IsochRx, routed to the external isoch
	// collaborator named in spec §6 (out of this core's scope).
	Isoch func(bits uint32)

	// ErrorBits receives postedWriteErr | unrecoverableError |
	// regAccessFail | cycleTooLong | cycleInconsistent, for diagnostic
	// logging and optional recovery.
	ErrorBits func(bits uint32)
}

const (
	busResetRelevantMask uint32 = regio.IntEventBusReset |
		regio.IntEventSelfIDComplete |
		regio.IntEventSelfIDComplete2 |
		regio.IntEventUnrecoverableError |
		regio.IntEventRegAccessFail

	txCompleteMask uint32 = regio.IntEventReqTxComplete | regio.IntEventRespTxComplete

	rxPacketMask uint32 = regio.IntEventRQPkt | regio.IntEventRSPkt

	isochMask uint32 = regio.IntEventIsochTx | regio.IntEventIsochRx

	errorMask uint32 = regio.IntEventPostedWriteErr |
		regio.IntEventUnrecoverableError |
		regio.IntEventRegAccessFail |
		regio.IntEventCycleTooLong |
		regio.IntEventCycleInconsistent
)

// Dispatcher owns the routing table and the Registers facade it ACKs and
// narrow-masks through.
type Dispatcher struct {
	regs   *regio.Registers
	routes Routes
	log    interfaces.Logger
}

// New constructs a Dispatcher. log may be nil, in which case error-bit
// diagnostics are simply dropped.
func New(regs *regio.Registers, routes Routes, log interfaces.Logger) *Dispatcher {
	return &Dispatcher{regs: regs, routes: routes, log: log}
}

// Dispatch processes one raw IntEvent snapshot. Bits outside the current
// IntMask shadow are spurious (a masked source latching IntEvent anyway, or
// a stale read racing a mask change) and are dropped before routing.
func (d *Dispatcher) Dispatch(snapshot uint32) error {
	live := snapshot & d.regs.IntMaskBits()
	if live == 0 {
		return nil
	}

	if bits := live & busResetRelevantMask; bits != 0 {
		if bits&regio.IntEventBusReset != 0 {
			// Narrow the window immediately: further busReset interrupts
			// are masked until the bus-reset FSM reaches Complete and
			// unmasks it itself (spec §4.2, §4.3 step 8).
			if err := d.regs.ClearIntMask(regio.IntEventBusReset); err != nil {
				return err
			}
		}
		if d.routes.BusResetRelevant != nil {
			d.routes.BusResetRelevant(bits)
		}
	}

	if bits := live & txCompleteMask; bits != 0 && d.routes.TXComplete != nil {
		d.routes.TXComplete(bits)
	}
	if bits := live & rxPacketMask; bits != 0 && d.routes.RXPacket != nil {
		d.routes.RXPacket(bits)
	}
	if bits := live & isochMask; bits != 0 && d.routes.Isoch != nil {
		d.routes.Isoch(bits)
	}
	if bits := live & errorMask; bits != 0 {
		if d.log != nil {
			d.log.Errorf("dispatch: error interrupt bits=%#x", bits)
		}
		if d.routes.ErrorBits != nil {
			d.routes.ErrorBits(bits)
		}
	}

	// Reset-relevant bits are acknowledged by the bus-reset FSM at the
	// appropriate phase (busReset at ClearingBusReset, selfIDComplete by
	// construction of the next arm, selfIDComplete2/unrecoverableError/
	// regAccessFail as the FSM sees fit); everything else is ACKed here.
	ackable := live &^ busResetRelevantMask
	if ackable != 0 {
		if err := d.regs.Write(regio.IntEventClear, ackable); err != nil {
			return err
		}
	}
	return nil
}
