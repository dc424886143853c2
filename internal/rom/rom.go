// Package rom implements the Configuration ROM data model, parsing,
// CBOR-based export encoding, and a generation/GUID-keyed store (spec §3
// "Configuration ROM", §4.3 step 5's ROM restoration, §4.9).
package rom

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// BIB is the bus information block, the four quadlets that follow the
// header quadlet of every Configuration ROM.
type BIB struct {
	BusName       uint32 `cbor:"bus_name"`
	IRMCapable    bool   `cbor:"irmc"`
	CycleMaster   bool   `cbor:"cmc"`
	Isochronous   bool   `cbor:"isc"`
	BusManager    bool   `cbor:"bmc"`
	CycleClockAcc uint8  `cbor:"cyc_clk_acc"`
	MaxRec        uint8  `cbor:"max_rec"`
	MaxROM        uint8  `cbor:"max_rom"`
	Generation    uint8  `cbor:"generation"`
	LinkSpeed     uint8  `cbor:"link_spd"`
	NodeVendorID  uint32 `cbor:"node_vendor_id"`
	ChipIDHi      uint32 `cbor:"chip_id_hi"`
	ChipIDLo      uint32 `cbor:"chip_id_lo"`
}

// GUID returns the 64-bit EUI-64 global unique ID: the 24-bit node vendor
// ID, then the 40-bit chip ID.
func (b BIB) GUID() uint64 {
	return uint64(b.NodeVendorID)<<40 | uint64(b.ChipIDHi)<<32 | uint64(b.ChipIDLo)
}

// DirectoryEntry is one root (or sub-)directory entry: an 8-bit key and a
// 24-bit value, whose interpretation (immediate, CSR offset, leaf offset,
// directory offset) is carried by IsOffset/IsLeaf.
type DirectoryEntry struct {
	Key      uint8  `cbor:"key"`
	Value    uint32 `cbor:"value"`
	IsOffset bool   `cbor:"is_offset"`
	IsLeaf   bool   `cbor:"is_leaf"`
}

// Directory is a parsed root or unit directory.
type Directory struct {
	Entries []DirectoryEntry `cbor:"entries"`
}

// TextDescriptor is a parsed text-leaf descriptor (vendor/model name).
type TextDescriptor struct {
	Language uint32 `cbor:"language"`
	Text     string `cbor:"text"`
}

// ConfigROM is the fully parsed Configuration ROM for one node at one bus
// generation.
type ConfigROM struct {
	BIB           BIB             `cbor:"bib"`
	RootDirectory Directory       `cbor:"root_directory"`
	VendorText    *TextDescriptor `cbor:"vendor_text,omitempty"`
	ModelText     *TextDescriptor `cbor:"model_text,omitempty"`
}

// GUID is a convenience accessor over the embedded BIB.
func (c *ConfigROM) GUID() uint64 { return c.BIB.GUID() }

// Directory key codes used to locate vendor/model text leaves and
// sub-directories (IEEE 1212 §7.5, as referenced by spec §4.9's root
// directory walk).
const (
	keyVendorID    = 0x03
	keyModelID     = 0x17
	keyTextualDesc = 0x01 // only meaningful within a descriptor leaf block
)

// Parse decodes quads (a full Configuration ROM image, quadlet 0 first)
// into a ConfigROM. It parses the bus information block, the root
// directory, and any vendor/model text-descriptor leaves the root
// directory references, per spec §4.9's "BIB/root-directory/text-
// descriptor parsing".
func Parse(quads []uint32) (*ConfigROM, error) {
	if len(quads) < 5 {
		return nil, fmt.Errorf("rom: image too short for a BIB (%d quadlets)", len(quads))
	}

	// quads[0]: info_length(8) | crc_length(8) | rom_crc_value(16) — the
	// header quadlet. The BIB proper starts at quads[1].
	infoLength := uint8(quads[0] >> 24)
	if int(infoLength) < 4 {
		return nil, fmt.Errorf("rom: BIB info_length %d shorter than the mandatory 4 quadlets", infoLength)
	}

	q1, q2, q3, q4 := quads[1], quads[2], quads[3], quads[4]
	bib := BIB{
		BusName:       q1,
		IRMCapable:    q2&(1<<31) != 0,
		CycleMaster:   q2&(1<<30) != 0,
		Isochronous:   q2&(1<<29) != 0,
		BusManager:    q2&(1<<28) != 0,
		CycleClockAcc: uint8((q2 >> 16) & 0xFF),
		MaxRec:        uint8((q2 >> 12) & 0xF),
		MaxROM:        uint8((q2 >> 8) & 0x3),
		Generation:    uint8((q2 >> 4) & 0xF),
		LinkSpeed:     uint8(q2 & 0x7),
		NodeVendorID:  q3 >> 8,
		ChipIDHi:      (q3 & 0xFF),
		ChipIDLo:      q4,
	}

	rootStart := 1 + int(infoLength)
	if rootStart >= len(quads) {
		return nil, fmt.Errorf("rom: root directory offset %d beyond image length %d", rootStart, len(quads))
	}
	dir, consumed, err := parseDirectory(quads, rootStart)
	if err != nil {
		return nil, fmt.Errorf("rom: root directory: %w", err)
	}
	_ = consumed

	c := &ConfigROM{BIB: bib, RootDirectory: dir}
	for _, e := range dir.Entries {
		if e.IsOffset && e.IsLeaf && e.Key == keyVendorID {
			if txt, err := parseTextLeaf(quads, rootStart, e.Value); err == nil {
				c.VendorText = txt
			}
		}
		if e.IsOffset && e.IsLeaf && e.Key == keyModelID {
			if txt, err := parseTextLeaf(quads, rootStart, e.Value); err == nil {
				c.ModelText = txt
			}
		}
	}
	return c, nil
}

// parseDirectory parses a directory block starting at quads[at]: a header
// quadlet (16-bit entry count, 16-bit CRC) followed by that many entry
// quadlets.
func parseDirectory(quads []uint32, at int) (Directory, int, error) {
	if at >= len(quads) {
		return Directory{}, 0, fmt.Errorf("directory offset %d out of range", at)
	}
	header := quads[at]
	count := int(header >> 16)
	if at+1+count > len(quads) {
		return Directory{}, 0, fmt.Errorf("directory at %d claims %d entries, only %d quadlets remain", at, count, len(quads)-at-1)
	}
	entries := make([]DirectoryEntry, count)
	for i := 0; i < count; i++ {
		q := quads[at+1+i]
		key := uint8(q >> 24)
		entries[i] = DirectoryEntry{
			Key:      key & 0x3F,
			Value:    q & 0x00FFFFFF,
			IsOffset: (key>>6)&0x1 != 0,
			IsLeaf:   (key>>6)&0x2 != 0,
		}
	}
	return Directory{Entries: entries}, count + 1, nil
}

// parseTextLeaf parses a text-descriptor leaf reached via an entry whose
// Value is a quadlet offset relative to dirBase (the directory's own
// start, per IEEE 1212 relative-offset convention).
func parseTextLeaf(quads []uint32, dirBase int, relOffset uint32) (*TextDescriptor, error) {
	at := dirBase + int(relOffset)
	if at+2 >= len(quads) {
		return nil, fmt.Errorf("text leaf offset %d out of range", at)
	}
	header := quads[at]
	length := int(header >> 16)
	if at+1+length > len(quads) {
		return nil, fmt.Errorf("text leaf at %d claims %d quadlets, out of range", at, length)
	}
	if length < 2 {
		return nil, fmt.Errorf("text leaf at %d too short to carry a language quadlet and text", at)
	}
	language := quads[at+1]
	textQuads := quads[at+2 : at+1+length]
	buf := make([]byte, len(textQuads)*4)
	for i, q := range textQuads {
		binary.BigEndian.PutUint32(buf[i*4:], q)
	}
	text := trimTrailingNulls(buf)
	return &TextDescriptor{Language: language, Text: text}, nil
}

func trimTrailingNulls(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}

// Export serializes a ConfigROM to CBOR for diagnostics/snapshot export.
func Export(c *ConfigROM) ([]byte, error) {
	return cbor.Marshal(c)
}

// Import deserializes a CBOR-encoded ConfigROM produced by Export.
func Import(data []byte) (*ConfigROM, error) {
	var c ConfigROM
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Fingerprint returns a blake2b-256 digest of a node's raw ROM quadlets
// (big-endian byte order), for comparing ROM contents across generations
// without re-parsing. Store does not compute or index it.
func Fingerprint(quads []uint32) [32]byte {
	buf := make([]byte, len(quads)*4)
	for i, q := range quads {
		binary.BigEndian.PutUint32(buf[i*4:], q)
	}
	return blake2b.Sum256(buf)
}

// key identifies one node's ROM at one bus generation.
type key struct {
	generation uint8
	nodeID     uint8
}

// Store holds parsed Configuration ROMs keyed by (generation, nodeID) and
// indexed by GUID so a node that keeps its GUID across a bus reset can be
// recognized without re-parsing, per spec §4.9's "ROM store keyed by
// (generation, nodeId) and guid".
type Store struct {
	mu        sync.RWMutex
	byNodeGen map[key]*ConfigROM
	byGUID    map[uint64]*ConfigROM
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		byNodeGen: make(map[key]*ConfigROM),
		byGUID:    make(map[uint64]*ConfigROM),
	}
}

// Put records rom for (generation, nodeID) and indexes it by GUID.
func (s *Store) Put(generation uint8, nodeID uint8, rom *ConfigROM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byNodeGen[key{generation, nodeID}] = rom
	s.byGUID[rom.GUID()] = rom
}

// Get returns the ROM recorded for (generation, nodeID), if any.
func (s *Store) Get(generation uint8, nodeID uint8) (*ConfigROM, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byNodeGen[key{generation, nodeID}]
	return r, ok
}

// ByGUID returns the most recently recorded ROM for guid, regardless of
// which generation/nodeID it was last seen at.
func (s *Store) ByGUID(guid uint64) (*ConfigROM, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byGUID[guid]
	return r, ok
}

// Forget drops every entry recorded for generation, called once a newer
// generation's scan has fully completed so stale per-node entries do not
// accumulate across bus resets.
func (s *Store) Forget(generation uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.byNodeGen {
		if k.generation == generation {
			delete(s.byNodeGen, k)
		}
	}
}
