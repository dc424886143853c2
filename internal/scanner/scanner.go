// Package scanner implements the per-node Configuration ROM scanner FSM:
// bounded in-flight concurrency, per-step retry with speed downgrade on
// exhaustion, busy-node back-off, and a single-task event-bus drain
// (spec §4.9).
package scanner

import (
	"fmt"
	"time"

	"github.com/fw-ohci/go-ohci-core/internal/constants"
	"github.com/fw-ohci/go-ohci-core/internal/rom"
	"github.com/fw-ohci/go-ohci-core/internal/txn"
)

// NodeFSMState is one per-node scan state, named exactly as spec.md §4.9
// enumerates them.
type NodeFSMState int

const (
	Idle NodeFSMState = iota
	ReadingBIB
	VerifyingIRMRead
	VerifyingIRMLock
	ReadingRootDir
	ReadingDetails
	Complete
	Failed
)

func (s NodeFSMState) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReadingBIB:
		return "reading_bib"
	case VerifyingIRMRead:
		return "verifying_irm_read"
	case VerifyingIRMLock:
		return "verifying_irm_lock"
	case ReadingRootDir:
		return "reading_root_dir"
	case ReadingDetails:
		return "reading_details"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transactor is the narrow async-read/lock surface the scanner drives
// per step; the real implementation issues these through
// internal/txn+internal/descring, while tests supply a synchronous fake.
type Transactor interface {
	ReadBlock(nodeID uint8, generation uint8, quadOffset uint32, quadCount int, speed uint8, onDone func(data []uint32, busy bool, err error))
	LockCompareSwap(nodeID uint8, generation uint8, quadOffset uint32, speed uint8, onDone func(busy bool, err error))
}

// nodeScan tracks one node's progress through the FSM.
type nodeScan struct {
	nodeID       uint8
	generation   uint8
	state        NodeFSMState
	speed        uint8
	retries      int
	bibQuads     []uint32
	rootDirQuads []uint32
	irmContender bool
	err          error
	backoffUntil time.Time
}

// bibCapabilitiesQuad is the bus information block's third quadlet
// (quads[2] of a BIB read starting at offset 0), carrying the irmc/cmc/
// isc/bmc capability bits (IEEE 1394 §8.3.2.5.4).
const bibCapabilitiesQuad = 2

// bibIRMContenderBit is the irmc (IRM-capable) bit within that quadlet,
// the same bit internal/rom's BIB.IRMCapable reads.
const bibIRMContenderBit = uint32(1) << 31

// parseIRMContender reports whether a BIB read advertises IRM contender
// status, or false if the read was too short to carry the capabilities
// quadlet.
func parseIRMContender(bibQuads []uint32) bool {
	if len(bibQuads) <= bibCapabilitiesQuad {
		return false
	}
	return bibQuads[bibCapabilitiesQuad]&bibIRMContenderBit != 0
}

// Result is reported once a node reaches Complete or Failed.
type Result struct {
	NodeID     uint8
	Generation uint8
	ROM        *rom.ConfigROM
	Err        error
}

// eventKind distinguishes the single-task event queue's entries.
type eventKind int

const (
	eventStepComplete eventKind = iota
)

type event struct {
	kind   eventKind
	nodeID uint8
	data   []uint32
	busy   bool
	err    error
}

// Scanner drives the Configuration ROM scan for one bus generation across
// all nodes discovered by topology, bounding in-flight work and draining
// step-completion events on a single task.
type Scanner struct {
	generation     uint8
	transactor     Transactor
	store          *rom.Store
	maxInFlight    int
	retriesPerStep int
	verifyIRM      bool

	nodes    map[uint8]*nodeScan
	queue    []uint8 // nodeIDs waiting for an in-flight slot
	inFlight int

	events       []event
	draining     bool
	hadBusyNodes bool

	onResult func(Result)
}

// New constructs a Scanner for one bus generation. onResult is invoked
// once per node as it reaches Complete or Failed. verifyIRM gates whether
// any node ever enters VerifyingIRMRead/VerifyingIRMLock: when false, every
// node goes straight from ReadingBIB to ReadingRootDir regardless of its
// advertised IRM-contender bit (spec §4.9's "IRM verification enabled").
func New(generation uint8, transactor Transactor, store *rom.Store, maxInFlight int, verifyIRM bool, onResult func(Result)) *Scanner {
	if maxInFlight <= 0 {
		maxInFlight = constants.DefaultMaxInFlightScans
	}
	return &Scanner{
		generation:     generation,
		transactor:     transactor,
		store:          store,
		maxInFlight:    maxInFlight,
		retriesPerStep: constants.DefaultScanRetriesPerStep,
		verifyIRM:      verifyIRM,
		nodes:          make(map[uint8]*nodeScan),
		onResult:       onResult,
	}
}

// Enqueue schedules nodeID for scanning, starting immediately if an
// in-flight slot is free, otherwise joining the wait queue (spec §4.9:
// "bounded in-flight concurrency, default 2").
func (s *Scanner) Enqueue(nodeID uint8) {
	ns := &nodeScan{nodeID: nodeID, generation: s.generation, state: Idle, speed: txn.Speed100}
	s.nodes[nodeID] = ns
	s.queue = append(s.queue, nodeID)
	s.fillSlots()
}

// HadBusyNodes reports whether any step, at any point in this scan, was
// rejected by a busy acknowledgement (spec §4 supplemented feature: a
// busy-node back-off signal the caller can use to widen a subsequent
// retry window).
func (s *Scanner) HadBusyNodes() bool { return s.hadBusyNodes }

func (s *Scanner) fillSlots() {
	for s.inFlight < s.maxInFlight && len(s.queue) > 0 {
		nodeID := s.queue[0]
		s.queue = s.queue[1:]
		s.inFlight++
		s.advance(s.nodes[nodeID])
	}
}

// advance issues the transaction for ns's current state and arranges for
// the result to arrive as an event.
func (s *Scanner) advance(ns *nodeScan) {
	switch ns.state {
	case Idle:
		ns.state = ReadingBIB
		s.transactor.ReadBlock(ns.nodeID, ns.generation, 0, 5, ns.speed, s.stepDone(ns.nodeID))
	case ReadingBIB:
		// ReadingBIB -> VerifyingIRMRead iff the node advertises IRM
		// contender and IRM verification is enabled; else -> ReadingRootDir.
		if s.verifyIRM && ns.irmContender {
			ns.state = VerifyingIRMRead
			s.transactor.ReadBlock(ns.nodeID, ns.generation, 0x200, 1, ns.speed, s.stepDone(ns.nodeID))
		} else {
			ns.state = ReadingRootDir
			s.transactor.ReadBlock(ns.nodeID, ns.generation, rootDirOffset(ns), 1, ns.speed, s.stepDone(ns.nodeID))
		}
	case VerifyingIRMRead:
		ns.state = VerifyingIRMLock
		s.transactor.LockCompareSwap(ns.nodeID, ns.generation, 0x200, ns.speed, func(busy bool, err error) {
			s.stepDone(ns.nodeID)(nil, busy, err)
		})
	case VerifyingIRMLock:
		ns.state = ReadingRootDir
		s.transactor.ReadBlock(ns.nodeID, ns.generation, rootDirOffset(ns), 1, ns.speed, s.stepDone(ns.nodeID))
	case ReadingRootDir:
		ns.state = ReadingDetails
		count := 1
		if len(ns.rootDirQuads) > 0 {
			count = int(ns.rootDirQuads[0]>>16) + 4 // entries plus a little headroom for text leaves
		}
		s.transactor.ReadBlock(ns.nodeID, ns.generation, rootDirOffset(ns), count, ns.speed, s.stepDone(ns.nodeID))
	case ReadingDetails:
		s.finish(ns, nil)
	}
}

// rootDirOffset returns the quadlet offset of the root directory,
// immediately following the BIB's info_length quadlets.
func rootDirOffset(ns *nodeScan) uint32 {
	infoLen := 4
	if len(ns.bibQuads) > 0 {
		infoLen = int(ns.bibQuads[0] >> 24)
	}
	return uint32(1 + infoLen)
}

// stepDone returns the completion callback for the transaction currently
// in flight for nodeID. It only records the result and enqueues an event;
// all FSM transitions happen in drainOne, on whichever goroutine is
// running the single-task drain.
func (s *Scanner) stepDone(nodeID uint8) func(data []uint32, busy bool, err error) {
	return func(data []uint32, busy bool, err error) {
		s.events = append(s.events, event{kind: eventStepComplete, nodeID: nodeID, data: data, busy: busy, err: err})
		s.Drain()
	}
}

// Drain processes queued events one at a time; the `draining` latch
// ensures a completion callback that fires reentrantly (synchronously,
// from within another Drain call) queues its event rather than running
// the FSM recursively, matching spec §4.9's single-task event-bus drain.
func (s *Scanner) Drain() {
	if s.draining {
		return
	}
	s.draining = true
	defer func() { s.draining = false }()

	for len(s.events) > 0 {
		e := s.events[0]
		s.events = s.events[1:]
		s.handleEvent(e)
	}
}

func (s *Scanner) handleEvent(e event) {
	ns := s.nodes[e.nodeID]
	if ns == nil || ns.state == Complete || ns.state == Failed {
		return
	}

	if e.busy {
		s.hadBusyNodes = true
		ns.backoffUntil = time.Now().Add(constants.BusyNodeBackoff)
		s.retryOrDowngrade(ns)
		return
	}
	if e.err != nil {
		s.retryOrDowngrade(ns)
		return
	}

	switch ns.state {
	case ReadingBIB:
		ns.bibQuads = e.data
		ns.irmContender = parseIRMContender(e.data)
	case ReadingRootDir:
		ns.rootDirQuads = e.data
	}
	ns.retries = 0
	s.advance(ns)
}

// retryOrDowngrade re-issues the current step, retrying up to
// retriesPerStep times at the current speed before downgrading via
// txn.SpeedPolicy; a node that fails even at S100 is marked Failed.
func (s *Scanner) retryOrDowngrade(ns *nodeScan) {
	ns.retries++
	if ns.retries <= s.retriesPerStep {
		s.reissue(ns)
		return
	}
	ns.retries = 0
	next, exhausted := (txn.SpeedPolicy{}).NextSpeed(ns.speed)
	if exhausted {
		s.finish(ns, fmt.Errorf("scanner: node %d exhausted retries at every speed", ns.nodeID))
		return
	}
	ns.speed = next
	s.reissue(ns)
}

// reissue re-drives the transaction for ns's current state without
// advancing state, per spec §4.9's "per-step retry".
func (s *Scanner) reissue(ns *nodeScan) {
	state := ns.state
	ns.state = prevState(state)
	s.advance(ns)
	_ = state
}

// prevState returns the FSM state advance() will step forward from in
// order to reissue the step that was just at `state`.
func prevState(state NodeFSMState) NodeFSMState {
	switch state {
	case ReadingBIB:
		return Idle
	case VerifyingIRMRead:
		return ReadingBIB
	case VerifyingIRMLock:
		return VerifyingIRMRead
	case ReadingRootDir:
		return VerifyingIRMLock
	case ReadingDetails:
		return ReadingRootDir
	default:
		return Idle
	}
}

func (s *Scanner) finish(ns *nodeScan, err error) {
	s.inFlight--
	var parsed *rom.ConfigROM
	if err == nil {
		image := buildImage(ns.bibQuads, ns.rootDirQuads)
		parsed, err = rom.Parse(image)
		if err == nil {
			s.store.Put(ns.generation, ns.nodeID, parsed)
		}
	}
	if err != nil {
		ns.state = Failed
		ns.err = err
	} else {
		ns.state = Complete
	}
	if s.onResult != nil {
		s.onResult(Result{NodeID: ns.nodeID, Generation: ns.generation, ROM: parsed, Err: err})
	}
	s.fillSlots()
}

// buildImage splices the header+BIB block with the root-directory block
// read starting right after it, since the two reads are not necessarily
// contiguous in the caller's quadlet numbering once quad offsets are
// node-relative byte addresses translated upstream.
func buildImage(bib, rootDir []uint32) []uint32 {
	img := make([]uint32, 0, len(bib)+len(rootDir))
	img = append(img, bib...)
	img = append(img, rootDir...)
	return img
}
