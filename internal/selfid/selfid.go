// Package selfid implements Self-ID buffer arming and decode with
// double-read generation validation (spec §4.4).
package selfid

import (
	"encoding/binary"
	"fmt"

	"github.com/fw-ohci/go-ohci-core/internal/constants"
	"github.com/fw-ohci/go-ohci-core/internal/dmamem"
	"github.com/fw-ohci/go-ohci-core/internal/regio"
)

// Packet bit layout for base and extended Self-ID quadlets. Field
// boundaries follow the shape described in spec §4.4/§4.5 (tag, phyID,
// link-active, gap count, speed, contender, power class, three ports per
// base quadlet, eight ports per extended quadlet, a 3-bit sequence number
// and a more-packets bit).
const (
	tagShift  = 30
	tagMask   = 0x3
	tagValue  = 0x2 // Self-ID packets carry tag '10' (spec §6, OHCI §11.3)

	phyIDShift = 24
	phyIDMask  = 0x3F

	linkActiveBit = 1 << 23

	gapCountShift = 16
	gapCountMask  = 0x3F

	speedShift = 14
	speedMask  = 0x3

	contenderBit = 1 << 11

	powerClassShift = 8
	powerClassMask  = 0x7

	initiatedResetBit = 1 << 0
	morePacketsBit    = 1 << 1

	basePortShift0 = 6
	basePortShift1 = 4
	basePortShift2 = 2
	portFieldMask  = 0x3

	extSeqShift  = 21
	extSeqMask   = 0x7
	extPortsPerQuad = 8
	extPortShiftBase = 19 // first port field occupies bits [20:19]
)

// Packet is one decoded Self-ID announcement (the base quadlet plus any
// linked extended quadlets already merged into PortStates).
type Packet struct {
	PhyID          uint8
	LinkActive     bool
	GapCount       uint8
	Speed          uint8
	Contender      bool
	PowerClass     uint8
	InitiatedReset bool
	PortStates     []uint8 // raw 2-bit port-state codes, index 0 = port 0
}

// Sequence records where one node's quadlets sat in the raw buffer, for
// diagnostics and round-trip tests.
type Sequence struct {
	Start int
	Count int
}

// Result is spec §3's "Self-ID capture result".
type Result struct {
	Generation  uint8
	Quads       []uint32
	Sequences   []Sequence
	Packets     []Packet
	Valid       bool
	CRCError    bool
	TimedOut    bool
	ErrorReason string
}

// Capture owns the Self-ID DMA buffer and the arm/disarm/decode operations
// of spec §4.4.
type Capture struct {
	alloc  *dmamem.Allocator
	region *dmamem.Region
}

// NewCapture constructs a Capture over alloc; call PrepareBuffers before Arm.
func NewCapture(alloc *dmamem.Allocator) *Capture {
	return &Capture{alloc: alloc}
}

// PrepareBuffers allocates a DMA buffer of at least quadCapacity quadlets,
// 2 KiB-aligned per OHCI §11.3, at least constants.SelfIDBufferMinQuads.
func (c *Capture) PrepareBuffers(quadCapacity int) error {
	if quadCapacity < constants.SelfIDBufferMinQuads {
		quadCapacity = constants.SelfIDBufferMinQuads
	}
	region, err := c.alloc.Alloc(quadCapacity*4, constants.SelfIDBufferAlignment)
	if err != nil {
		return fmt.Errorf("selfid: prepare buffers: %w", err)
	}
	c.region = region
	return nil
}

// Arm programs the buffer's 32-bit bus address into SelfIDBuffer.
func (c *Capture) Arm(regs *regio.Registers) error {
	if c.region == nil {
		return fmt.Errorf("selfid: buffers not prepared")
	}
	addr, err := c.region.BusAddress(0)
	if err != nil {
		return err
	}
	return regs.Write(regio.SelfIDBuffer, addr)
}

// Buffer returns the raw backing bytes of the Self-ID DMA region, for
// diagnostics and for tests that need to stage a buffer contents
// directly rather than through real hardware.
func (c *Capture) Buffer() []byte {
	if c.region == nil {
		return nil
	}
	return c.region.Bytes()
}

// Disarm writes 0 to SelfIDBuffer, the documented way to stop the hardware
// from landing further Self-ID data while the buffer is being read.
func (c *Capture) Disarm(regs *regio.Registers) error {
	return regs.Write(regio.SelfIDBuffer, 0)
}

// Decode performs the double-read generation validation of spec §4.4:
// read SelfIDCount (T0), read the first buffer quadlet's embedded
// generation, re-read SelfIDCount (T1), and only trust the payload if all
// three generation values agree. A mismatch means a bus reset raced the
// read; callers must redrive the bus-reset FSM rather than consume Result.
func (c *Capture) Decode(regs *regio.Registers) (Result, error) {
	if c.region == nil {
		return Result{}, fmt.Errorf("selfid: buffers not prepared")
	}

	regT0, err := regs.Read(regio.SelfIDCount)
	if err != nil {
		return Result{}, err
	}
	genT0 := uint8((regT0 & regio.SelfIDCountGenerationMask) >> regio.SelfIDCountGenerationShift)
	quadCount := int((regT0 & regio.SelfIDCountSizeMask) >> regio.SelfIDCountSizeShift)
	hwError := regT0&regio.SelfIDCountErrorBit != 0

	buf := c.region.Bytes()
	if quadCount == 0 || quadCount*4 > len(buf) {
		return Result{Valid: false, ErrorReason: "selfid: implausible quad count from SelfIDCount"}, nil
	}

	firstQuad := binary.LittleEndian.Uint32(buf[0:4])
	genEmbedded := uint8((firstQuad >> 16) & 0xFF)

	regT1, err := regs.Read(regio.SelfIDCount)
	if err != nil {
		return Result{}, err
	}
	genT1 := uint8((regT1 & regio.SelfIDCountGenerationMask) >> regio.SelfIDCountGenerationShift)

	if genT0 != genEmbedded || genT0 != genT1 {
		return Result{
			Valid:       false,
			ErrorReason: fmt.Sprintf("selfid: racing generation T0=%d embedded=%d T1=%d", genT0, genEmbedded, genT1),
		}, nil
	}
	if hwError {
		return Result{Generation: genT0, Valid: false, CRCError: true, ErrorReason: "selfid: SelfIDCount error bit set"}, nil
	}

	quads := make([]uint32, quadCount)
	for i := 0; i < quadCount; i++ {
		quads[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}

	packets, sequences, err := parseQuads(quads)
	if err != nil {
		return Result{Generation: genT0, Quads: quads, CRCError: true, ErrorReason: err.Error()}, nil
	}

	return Result{
		Generation: genT0,
		Quads:      quads,
		Sequences:  sequences,
		Packets:    packets,
		Valid:      true,
	}, nil
}

// parseQuads walks the decoded quadlet sequence, grouping a base quadlet
// with up to three linked extended quadlets (spec §4.4: "Each packet is one
// base quadlet plus up to three extended quadlets linked by the
// more-packets bit. Extended quadlets carry a 3-bit sequence number that
// must increment from 0. Sequences exceeding 4 quadlets are rejected.
// Non-Self-ID-tagged quadlets are skipped.").
func parseQuads(quads []uint32) ([]Packet, []Sequence, error) {
	var packets []Packet
	var sequences []Sequence

	i := 0
	for i < len(quads) {
		q := quads[i]
		if (q>>tagShift)&tagMask != tagValue {
			i++
			continue
		}
		start := i
		pkt := Packet{
			PhyID:          uint8((q >> phyIDShift) & phyIDMask),
			LinkActive:     q&linkActiveBit != 0,
			GapCount:       uint8((q >> gapCountShift) & gapCountMask),
			Speed:          uint8((q >> speedShift) & speedMask),
			Contender:      q&contenderBit != 0,
			PowerClass:     uint8((q >> powerClassShift) & powerClassMask),
			InitiatedReset: q&initiatedResetBit != 0,
		}
		pkt.PortStates = append(pkt.PortStates,
			uint8((q>>basePortShift0)&portFieldMask),
			uint8((q>>basePortShift1)&portFieldMask),
			uint8((q>>basePortShift2)&portFieldMask),
		)

		more := q&morePacketsBit != 0
		expectedSeq := 0
		count := 1
		for more {
			if count >= 4 {
				return nil, nil, fmt.Errorf("selfid: sequence at quad %d exceeds 4 quadlets", start)
			}
			if i+1 >= len(quads) {
				return nil, nil, fmt.Errorf("selfid: truncated extended quadlet sequence at %d", start)
			}
			i++
			eq := quads[i]
			if (eq>>tagShift)&tagMask != tagValue {
				return nil, nil, fmt.Errorf("selfid: non-tagged quadlet inside extended sequence at %d", i)
			}
			seq := int((eq >> extSeqShift) & extSeqMask)
			if seq != expectedSeq {
				return nil, nil, fmt.Errorf("selfid: extended sequence number %d != expected %d at quad %d", seq, expectedSeq, i)
			}
			for p := 0; p < extPortsPerQuad; p++ {
				shift := extPortShiftBase - 2*p
				if shift < 0 {
					break
				}
				pkt.PortStates = append(pkt.PortStates, uint8((eq>>uint(shift))&portFieldMask))
			}
			more = eq&morePacketsBit != 0
			expectedSeq++
			count++
		}

		packets = append(packets, pkt)
		sequences = append(sequences, Sequence{Start: start, Count: count})
		i++
	}
	return packets, sequences, nil
}
