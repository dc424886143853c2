// Package hw implements the hardware probe and PHY bring-up sequence: BAR
// attachment, soft reset, LPS bring-up, PHY register programming and the
// OHCI version gate (spec §4.1 PHY half, §2 "Hardware probe & PHY" row).
package hw

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/daedaluz/goioctl"

	"github.com/fw-ohci/go-ohci-core/internal/constants"
	"github.com/fw-ohci/go-ohci-core/internal/regio"
)

// barMagic is the ioctl magic byte for the vendor UIO-style control device
// this module assumes fronts the PCI BAR, encoded with goioctl the same
// way Daedaluz-goserial's spi package encodes SPI_IOC_* numbers.
const barMagic = 'o'

var (
	iocMapBAR = ioctl.IOR(barMagic, 1, 4) // returns BAR length in bytes
)

// MMIO opens a UIO-style character device, maps its BAR with unix.Mmap and
// exposes Read/Write/WriteAndFlush over the mapping. It implements
// interfaces.RegisterIO.
type MMIO struct {
	fd   int
	mem  []byte
}

// OpenMMIO opens path (e.g. "/dev/uio0") and maps its resource0 region of
// the given length. The ioctl probe mirrors the pattern in
// Daedaluz-goserial/ioctl_linux.go: a small set of IOR/IOW-encoded numbers
// issued against an already-open fd.
func OpenMMIO(path string, length int) (*MMIO, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("hw: open %s: %w", path, err)
	}
	var mappedLen uint32
	if err := ioctl.Ioctl(fd, iocMapBAR, uintptr(unsafe.Pointer(&mappedLen))); err == nil && mappedLen != 0 {
		length = int(mappedLen)
	}
	mem, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hw: mmap %s: %w", path, err)
	}
	return &MMIO{fd: fd, mem: mem}, nil
}

// Close unmaps the BAR and closes the device node.
func (m *MMIO) Close() error {
	if m.mem != nil {
		unix.Munmap(m.mem)
		m.mem = nil
	}
	return unix.Close(m.fd)
}

func (m *MMIO) Read(offset uint32) (uint32, error) {
	if int(offset)+4 > len(m.mem) {
		return 0, fmt.Errorf("hw: offset %#x out of range", offset)
	}
	return binary.LittleEndian.Uint32(m.mem[offset : offset+4]), nil
}

func (m *MMIO) Write(offset uint32, value uint32) error {
	if int(offset)+4 > len(m.mem) {
		return fmt.Errorf("hw: offset %#x out of range", offset)
	}
	binary.LittleEndian.PutUint32(m.mem[offset:offset+4], value)
	return nil
}

func (m *MMIO) WriteAndFlush(offset uint32, value uint32, flushOffset uint32) error {
	if err := m.Write(offset, value); err != nil {
		return err
	}
	_, err := m.Read(flushOffset)
	return err
}

// Probe runs the cold-start sequence of spec §8 scenario 1: soft reset,
// LPS bring-up within LPSBringupTimeout, PHY reg1 programming of gapCount,
// and an OHCI version gate (refusing to proceed against an unsupported
// major version).
type Probe struct {
	Regs *regio.Registers
}

// SoftReset sets HCControl.softReset and waits for the hardware to clear
// it, signalling reset completion.
func (p *Probe) SoftReset() error {
	if err := p.Regs.SetHCControl(regio.HCControlSoftReset); err != nil {
		return err
	}
	deadline := time.Now().Add(constants.LPSBringupTimeout)
	for {
		v, err := p.Regs.Read(regio.HCControl)
		if err != nil {
			return err
		}
		if v&regio.HCControlSoftReset == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("hw: soft reset did not clear within %s", constants.LPSBringupTimeout)
		}
		time.Sleep(constants.PhyPollInterval)
	}
}

// BringUpLPS sets HCControl.LPS and waits for the link to report it is
// powered (approximated here by a fixed settle window, since the real
// "linkPowerStatus" signal is PHY-vendor-specific and not in the register
// map this module reads).
func (p *Probe) BringUpLPS() error {
	if err := p.Regs.SetHCControl(regio.HCControlLPS); err != nil {
		return err
	}
	time.Sleep(constants.PhyPollInterval * 4)
	return nil
}

// ProgramGapCount writes the given gap count into PHY register 1 (bits
// 5:0), the standard bring-up step referenced in spec §8 scenario 1
// ("PHY reg1 reads and programs gapCount=0x3F").
func (p *Probe) ProgramGapCount(gapCount uint8) error {
	return p.Regs.UpdatePhy(1, 0x3F, gapCount&0x3F)
}

// CheckVersion reads the Version register and rejects anything below OHCI
// 1.0 (major version 1); the core targets OHCI 1.1 semantics throughout
// but tolerates 1.0 hardware running a subset.
func (p *Probe) CheckVersion() (major, minor uint8, err error) {
	v, err := p.Regs.Read(regio.Version)
	if err != nil {
		return 0, 0, err
	}
	major = uint8((v >> 16) & 0xFF)
	minor = uint8(v & 0xFF)
	if major < 1 {
		return major, minor, fmt.Errorf("hw: unsupported OHCI version %d.%d", major, minor)
	}
	return major, minor, nil
}
