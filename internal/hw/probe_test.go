package hw

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fw-ohci/go-ohci-core/internal/regio"
)

// fakeIO is a minimal interfaces.RegisterIO fake that understands just
// enough of the HCControl strobe pair and the PhyControl blocking-poll
// protocol for Probe's bring-up sequence to run against it. Unlike the
// root package's FakeHardware, it also simulates a soft reset that
// self-clears immediately, since Probe.SoftReset polls for that.
type fakeIO struct {
	mu      sync.Mutex
	regs    map[uint32]uint32
	phyRegs map[uint8]uint8
}

func newFakeIO() *fakeIO {
	return &fakeIO{regs: make(map[uint32]uint32), phyRegs: make(map[uint8]uint8)}
}

func (f *fakeIO) Read(offset uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[offset], nil
}

func (f *fakeIO) Write(offset uint32, value uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch offset {
	case uint32(regio.HCControlSet):
		f.regs[uint32(regio.HCControlSet)] |= value
		if value&regio.HCControlSoftReset != 0 {
			// A real controller clears SoftReset once the reset
			// completes; the fake simulates that completing instantly.
			f.regs[uint32(regio.HCControlSet)] &^= regio.HCControlSoftReset
		}
	case uint32(regio.HCControlClear):
		f.regs[uint32(regio.HCControlSet)] &^= value
	case uint32(regio.PhyControl):
		f.handlePhyControl(value)
	default:
		f.regs[offset] = value
	}
	return nil
}

func (f *fakeIO) WriteAndFlush(offset, value, flushOffset uint32) error {
	if err := f.Write(offset, value); err != nil {
		return err
	}
	_, err := f.Read(flushOffset)
	return err
}

const (
	phyControlWrReg        uint32 = 1 << 15
	phyControlRdReg        uint32 = 1 << 31
	phyControlRdDone       uint32 = 1 << 30
	phyControlRegAddrShift        = 8
)

func (f *fakeIO) handlePhyControl(cmd uint32) {
	reg := uint8((cmd >> phyControlRegAddrShift) & 0xFF)
	switch {
	case cmd&phyControlWrReg != 0:
		f.phyRegs[reg] = uint8(cmd & 0xFF)
	case cmd&phyControlRdReg != 0:
		f.regs[uint32(regio.PhyControl)] = phyControlRdDone | (uint32(f.phyRegs[reg]) << 16)
	}
}

func newTestProbe() (*Probe, *fakeIO) {
	io := newFakeIO()
	return &Probe{Regs: regio.New(io)}, io
}

func TestProbeSoftResetClears(t *testing.T) {
	p, io := newTestProbe()
	require.NoError(t, p.SoftReset())

	v, err := io.Read(uint32(regio.HCControl))
	require.NoError(t, err)
	assert.Zero(t, v&regio.HCControlSoftReset)
}

func TestProbeBringUpLPSSetsBit(t *testing.T) {
	p, io := newTestProbe()
	require.NoError(t, p.BringUpLPS())

	v, err := io.Read(uint32(regio.HCControl))
	require.NoError(t, err)
	assert.NotZero(t, v&regio.HCControlLPS)
}

func TestProbeProgramGapCountWritesPhyReg1(t *testing.T) {
	p, io := newTestProbe()
	require.NoError(t, p.ProgramGapCount(0x3F))

	io.mu.Lock()
	got := io.phyRegs[1]
	io.mu.Unlock()
	assert.Equal(t, uint8(0x3F), got&0x3F)
}

func TestProbeProgramGapCountIsIdempotent(t *testing.T) {
	p, io := newTestProbe()
	require.NoError(t, p.ProgramGapCount(0x20))
	require.NoError(t, p.ProgramGapCount(0x20))

	io.mu.Lock()
	got := io.phyRegs[1]
	io.mu.Unlock()
	assert.Equal(t, uint8(0x20), got&0x3F)
}

func TestProbeCheckVersionAcceptsSupportedMajor(t *testing.T) {
	p, io := newTestProbe()
	io.regs[uint32(regio.Version)] = (1 << 16) | 0x10 // major 1, minor 0x10

	major, minor, err := p.CheckVersion()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), major)
	assert.Equal(t, uint8(0x10), minor)
}

func TestProbeCheckVersionRejectsUnsupportedMajor(t *testing.T) {
	p, io := newTestProbe()
	io.regs[uint32(regio.Version)] = 0 // major 0

	_, _, err := p.CheckVersion()
	assert.Error(t, err)
}
