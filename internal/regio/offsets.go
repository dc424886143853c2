// Package regio implements the OHCI 1.1 register facade: typed offsets,
// the write-only strobe-pair shadow, and the blocking PHY register
// protocol (spec §4.1). Offsets and bit layouts are taken from OHCI 1.1
// Table 5-1 and the driver's own register map.
package regio

// Offset is a 32-bit memory-mapped register offset from the OHCI BAR.
type Offset uint32

const (
	Version          Offset = 0x000
	GUIDROM          Offset = 0x004
	ATRetries        Offset = 0x008
	ConfigROMHeader  Offset = 0x018
	BusID            Offset = 0x01C
	BusOptions       Offset = 0x020
	GUIDHi           Offset = 0x024
	GUIDLo           Offset = 0x028
	ConfigROMMap     Offset = 0x034
	VendorID         Offset = 0x040
	HCControlSet     Offset = 0x050
	HCControlClear   Offset = 0x054
	HCControl        Offset = 0x050 // read view
	SelfIDBuffer     Offset = 0x064
	SelfIDCount      Offset = 0x068
	IntEvent         Offset = 0x080 // read-only current status
	IntEventSet      Offset = 0x080
	IntEventClear    Offset = 0x084
	IntMaskSet       Offset = 0x088
	IntMaskClear     Offset = 0x08C
	IsoXmitEvent     Offset = 0x090
	IsoXmitIntMaskSet Offset = 0x098
	IsoXmitIntMaskClear Offset = 0x09C
	IsoRecvEvent     Offset = 0x0A0
	IsoRecvIntMaskSet Offset = 0x0A8
	IsoRecvIntMaskClear Offset = 0x0AC
	FairnessControl  Offset = 0x0DC
	LinkControlSet   Offset = 0x0E0
	LinkControlClear Offset = 0x0E4
	LinkControl      Offset = 0x0E0 // read view
	NodeID           Offset = 0x0E8
	PhyControl       Offset = 0x0EC
	CycleTimer       Offset = 0x0F0
	AsReqFilterHiSet Offset = 0x100
	AsReqFilterHiClear Offset = 0x104
	AsReqFilterLoSet Offset = 0x108
	AsReqFilterLoClear Offset = 0x10C
)

// DMA context base offsets (spec §3 "DMA descriptor ring", §4.6).
const (
	AsReqTrContextControlSet Offset = 0x180
	AsReqTrContextControlClear Offset = 0x184
	AsReqTrCommandPtr        Offset = 0x18C

	AsRspTrContextControlSet Offset = 0x1A0
	AsRspTrContextControlClear Offset = 0x1A4
	AsRspTrCommandPtr        Offset = 0x1AC

	AsReqRcvContextControlSet Offset = 0x1C0
	AsReqRcvContextControlClear Offset = 0x1C4
	AsReqRcvCommandPtr       Offset = 0x1CC

	AsRspRcvContextControlSet Offset = 0x1E0
	AsRspRcvContextControlClear Offset = 0x1E4
	AsRspRcvCommandPtr       Offset = 0x1EC
)

// HCControlBits are the bit positions of the HCControl strobe pair
// (OHCI §5.3).
const (
	HCControlSoftReset        uint32 = 1 << 16
	HCControlLinkEnable       uint32 = 1 << 17
	HCControlPostedWriteEnable uint32 = 1 << 18
	HCControlLPS              uint32 = 1 << 19
	HCControlCycleMatchEnable uint32 = 1 << 20
	HCControlAPhyEnhanceEnable uint32 = 1 << 22
	HCControlProgramPhyEnable uint32 = 1 << 23
	HCControlNoByteSwap       uint32 = 1 << 30
	HCControlBIBImageValid    uint32 = 1 << 31
)

// LinkControlBits are the bit positions of the LinkControl strobe pair
// (OHCI §5.10, Table 5-17).
const (
	LinkControlRcvSelfID       uint32 = 1 << 9
	LinkControlRcvPhyPkt       uint32 = 1 << 10
	LinkControlCycleTimerEnable uint32 = 1 << 20
	LinkControlCycleMaster     uint32 = 1 << 21
)

// IntEventBits are the bit positions shared by IntEvent and IntMask
// (OHCI §5.7, Table 5-1).
const (
	IntEventReqTxComplete    uint32 = 1 << 0
	IntEventRespTxComplete   uint32 = 1 << 1
	IntEventARRQ             uint32 = 1 << 2
	IntEventARRS             uint32 = 1 << 3
	IntEventRQPkt            uint32 = 1 << 4
	IntEventRSPkt            uint32 = 1 << 5
	IntEventIsochTx          uint32 = 1 << 6
	IntEventIsochRx          uint32 = 1 << 7
	IntEventPostedWriteErr   uint32 = 1 << 8
	IntEventLockRespErr      uint32 = 1 << 9
	IntEventSelfIDComplete2  uint32 = 1 << 15
	IntEventSelfIDComplete   uint32 = 1 << 16
	IntEventBusReset         uint32 = 1 << 17
	IntEventRegAccessFail    uint32 = 1 << 18
	IntEventPhy              uint32 = 1 << 19
	IntEventCycleSynch       uint32 = 1 << 20
	IntEventCycle64Seconds   uint32 = 1 << 21
	IntEventCycleLost        uint32 = 1 << 22
	IntEventCycleInconsistent uint32 = 1 << 23
	IntEventUnrecoverableError uint32 = 1 << 24
	IntEventCycleTooLong     uint32 = 1 << 25
	IntEventPhyRegRcvd       uint32 = 1 << 26
	IntEventAckTardy         uint32 = 1 << 27
	IntEventSoftInterrupt    uint32 = 1 << 29
	IntEventVendorSpecific   uint32 = 1 << 30
)

// IntMaskMasterIntEnable is bit 31 of IntMask only; it has no IntEvent
// counterpart (OHCI §5.7).
const IntMaskMasterIntEnable uint32 = 1 << 31

// BaseIntMask is the baseline interrupt mask for steady-state operation:
// every event the core must see delivered (spec §4.1).
const BaseIntMask uint32 = IntEventReqTxComplete |
	IntEventRespTxComplete |
	IntEventARRQ |
	IntEventARRS |
	IntEventRQPkt |
	IntEventRSPkt |
	IntEventIsochTx |
	IntEventIsochRx |
	IntEventPostedWriteErr |
	IntEventLockRespErr |
	IntEventSelfIDComplete |
	IntEventSelfIDComplete2 |
	IntEventBusReset |
	IntEventRegAccessFail |
	IntEventCycleInconsistent |
	IntEventUnrecoverableError |
	IntEventCycleTooLong |
	IntEventPhyRegRcvd

// SelfIDCount register field masks (spec §4.4).
const (
	SelfIDCountErrorBit      uint32 = 0x80000000
	SelfIDCountGenerationMask  uint32 = 0x00FF0000
	SelfIDCountGenerationShift = 16
	SelfIDCountSizeMask        uint32 = 0x000007FC
	SelfIDCountSizeShift       = 2
)

// NodeID register field masks.
const (
	NodeIDIDValid  uint32 = 1 << 31
	NodeIDLocalMask uint32 = 0x3F
	NodeIDBusMask   uint32 = 0xFFC0
)
