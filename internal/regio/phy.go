package regio

import (
	"fmt"
	"time"

	"github.com/fw-ohci/go-ohci-core/internal/constants"
)

// PhyControl register bit layout (OHCI 1.1 §5.11, Table 5-18).
const (
	phyControlWrDataShift = 0
	phyControlRegAddrShift = 8
	phyControlWrReg        uint32 = 1 << 15
	phyControlRdDataShift  = 16
	phyControlRdAddrShift  = 24
	phyControlRdDone       uint32 = 1 << 30
	phyControlRdReg        uint32 = 1 << 31
)

// ReadPhy issues a blocking PHY register read through PhyControl, polling
// for RdDone. On timeout it retries once by toggling LPS off/on (the
// documented recovery for a wedged PHY interface), per spec §4.1.
func (r *Registers) ReadPhy(reg uint8) (uint8, error) {
	val, err := r.readPhyOnce(reg)
	if err == nil {
		return val, nil
	}
	if toggleErr := r.toggleLPS(); toggleErr != nil {
		return 0, err
	}
	return r.readPhyOnce(reg)
}

func (r *Registers) readPhyOnce(reg uint8) (uint8, error) {
	cmd := phyControlRdReg | (uint32(reg) << phyControlRegAddrShift)
	if err := r.Write(PhyControl, cmd); err != nil {
		return 0, err
	}
	deadline := time.Now().Add(constants.PhyPollTimeout)
	for {
		v, err := r.Read(PhyControl)
		if err != nil {
			return 0, err
		}
		if v&phyControlRdDone != 0 {
			return uint8((v >> phyControlRdDataShift) & 0xFF), nil
		}
		if time.Now().After(deadline) {
			return 0, &timeoutError{msg: fmt.Sprintf("regio: PHY read reg %d timed out", reg)}
		}
		time.Sleep(constants.PhyPollInterval)
	}
}

// WritePhy issues a blocking PHY register write through PhyControl. The
// OHCI contract does not latch a completion bit for writes the way it does
// for reads; software conventionally waits one poll interval before
// trusting the write landed.
func (r *Registers) WritePhy(reg uint8, val uint8) error {
	cmd := phyControlWrReg | (uint32(reg) << phyControlRegAddrShift) | (uint32(val) << phyControlWrDataShift)
	if err := r.Write(PhyControl, cmd); err != nil {
		return err
	}
	time.Sleep(constants.PhyPollInterval)
	return nil
}

// UpdatePhy performs a read-modify-write of a PHY register, clearing
// clearMask then setting setMask.
func (r *Registers) UpdatePhy(reg uint8, clearMask, setMask uint8) error {
	cur, err := r.ReadPhy(reg)
	if err != nil {
		return err
	}
	next := (cur &^ clearMask) | setMask
	if next == cur {
		return nil
	}
	return r.WritePhy(reg, next)
}

// toggleLPS cycles HCControl.LPS off then on, the documented recovery path
// for a PHY register access that failed to complete (spec §4.1: "a retry
// that toggles LPS on failure").
func (r *Registers) toggleLPS() error {
	if err := r.ClearHCControl(HCControlLPS); err != nil {
		return err
	}
	time.Sleep(constants.PhyPollInterval)
	return r.SetHCControl(HCControlLPS)
}

type timeoutError struct{ msg string }

func (e *timeoutError) Error() string { return e.msg }
func (e *timeoutError) Timeout() bool { return true }
