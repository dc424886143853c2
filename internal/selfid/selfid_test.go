package selfid

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fw-ohci/go-ohci-core/internal/constants"
	"github.com/fw-ohci/go-ohci-core/internal/dmamem"
	"github.com/fw-ohci/go-ohci-core/internal/regio"
)

// fakeIO is a minimal interfaces.RegisterIO fake backed by a plain map,
// enough to stage SelfIDCount and read back whatever Arm/Disarm wrote to
// SelfIDBuffer.
type fakeIO struct {
	mu   sync.Mutex
	regs map[uint32]uint32
}

func newFakeIO() *fakeIO { return &fakeIO{regs: make(map[uint32]uint32)} }

func (f *fakeIO) Read(offset uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[offset], nil
}

func (f *fakeIO) Write(offset uint32, value uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[offset] = value
	return nil
}

func (f *fakeIO) WriteAndFlush(offset, value, flushOffset uint32) error {
	if err := f.Write(offset, value); err != nil {
		return err
	}
	_, err := f.Read(flushOffset)
	return err
}

func newTestCapture(t *testing.T) (*Capture, *fakeIO, *regio.Registers) {
	t.Helper()
	io := newFakeIO()
	regs := regio.New(io)
	c := NewCapture(dmamem.NewAllocator(0))
	require.NoError(t, c.PrepareBuffers(constants.SelfIDBufferMinQuads))
	return c, io, regs
}

func TestArmProgramsSelfIDBufferAddress(t *testing.T) {
	c, io, regs := newTestCapture(t)
	require.NoError(t, c.Arm(regs))

	v, err := io.Read(uint32(regio.SelfIDBuffer))
	require.NoError(t, err)
	assert.NotZero(t, v)
}

func TestDisarmClearsSelfIDBufferAddress(t *testing.T) {
	c, io, regs := newTestCapture(t)
	require.NoError(t, c.Arm(regs))
	require.NoError(t, c.Disarm(regs))

	v, err := io.Read(uint32(regio.SelfIDBuffer))
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestDecodeBeforePrepareBuffersFails(t *testing.T) {
	c := NewCapture(dmamem.NewAllocator(0))
	regs := regio.New(newFakeIO())
	_, err := c.Decode(regs)
	assert.Error(t, err)
}

// writeQuad stages quad at the given index in the capture buffer.
func writeQuad(c *Capture, index int, quad uint32) {
	binary.LittleEndian.PutUint32(c.Buffer()[index*4:index*4+4], quad)
}

func TestDecodeSingleBasePacket(t *testing.T) {
	c, io, _ := newTestCapture(t)

	quad := uint32(tagValue)<<tagShift |
		uint32(3)<<phyIDShift | // phyID 3
		uint32(1)<<speedShift | // speed S200
		uint32(contenderBit) |
		uint32(2)<<powerClassShift
	writeQuad(c, 0, quad)

	genT0 := uint8(0) // gapCount=0, linkActive=false -> embedded byte matches generation 0
	regT0 := uint32(genT0)<<regio.SelfIDCountGenerationShift | uint32(1)<<regio.SelfIDCountSizeShift
	require.NoError(t, io.Write(uint32(regio.SelfIDCount), regT0))

	result, err := c.Decode(regio.New(io))
	require.NoError(t, err)
	require.True(t, result.Valid)
	require.Len(t, result.Packets, 1)

	pkt := result.Packets[0]
	assert.EqualValues(t, 3, pkt.PhyID)
	assert.False(t, pkt.LinkActive)
	assert.True(t, pkt.Contender)
	assert.EqualValues(t, 2, pkt.PowerClass)
	assert.Len(t, pkt.PortStates, 3)
}

func TestDecodeRejectsRacingGeneration(t *testing.T) {
	c, io, _ := newTestCapture(t)

	quad := uint32(tagValue)<<tagShift | uint32(1)<<phyIDShift
	writeQuad(c, 0, quad)

	// Generation in SelfIDCount disagrees with the embedded byte (which is
	// 0 here since gapCount/linkActive are both zero in quad above).
	regT0 := uint32(7)<<regio.SelfIDCountGenerationShift | uint32(1)<<regio.SelfIDCountSizeShift
	require.NoError(t, io.Write(uint32(regio.SelfIDCount), regT0))

	result, err := c.Decode(regio.New(io))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.ErrorReason)
}

func TestDecodeReportsHardwareErrorBit(t *testing.T) {
	c, io, _ := newTestCapture(t)

	quad := uint32(tagValue) << tagShift
	writeQuad(c, 0, quad)

	regT0 := uint32(1)<<regio.SelfIDCountSizeShift | regio.SelfIDCountErrorBit
	require.NoError(t, io.Write(uint32(regio.SelfIDCount), regT0))

	result, err := c.Decode(regio.New(io))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, result.CRCError)
}

func TestDecodeRejectsImplausibleZeroQuadCount(t *testing.T) {
	c, io, _ := newTestCapture(t)
	require.NoError(t, io.Write(uint32(regio.SelfIDCount), 0))

	result, err := c.Decode(regio.New(io))
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestParseQuadsSkipsNonSelfIDTaggedQuadlets(t *testing.T) {
	quads := []uint32{
		0x00000000, // tag '00', not a self-ID quadlet
		uint32(tagValue)<<tagShift | uint32(5)<<phyIDShift,
	}
	packets, sequences, err := parseQuads(quads)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	require.Len(t, sequences, 1)
	assert.EqualValues(t, 5, packets[0].PhyID)
	assert.Equal(t, 1, sequences[0].Start)
}

func TestParseQuadsMergesExtendedQuadlet(t *testing.T) {
	base := uint32(tagValue)<<tagShift | uint32(9)<<phyIDShift | morePacketsBit
	ext := uint32(tagValue)<<tagShift // sequence 0, no further extensions, all ports 0
	quads := []uint32{base, ext}

	packets, sequences, err := parseQuads(quads)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.EqualValues(t, 9, packets[0].PhyID)
	assert.Len(t, packets[0].PortStates, 3+extPortsPerQuad)
	assert.Equal(t, 2, sequences[0].Count)
}

func TestParseQuadsRejectsOutOfOrderExtendedSequence(t *testing.T) {
	base := uint32(tagValue)<<tagShift | morePacketsBit
	// sequence number 1 when 0 was expected
	ext := uint32(tagValue)<<tagShift | uint32(1)<<extSeqShift
	quads := []uint32{base, ext}

	_, _, err := parseQuads(quads)
	assert.Error(t, err)
}

func TestParseQuadsRejectsTruncatedSequence(t *testing.T) {
	base := uint32(tagValue)<<tagShift | morePacketsBit
	quads := []uint32{base}

	_, _, err := parseQuads(quads)
	assert.Error(t, err)
}
