// Package busreset implements the bus-reset recovery coordinator: the
// 9-state FSM driven by 7 event types on a single-threaded work queue
// with a reentrancy latch (spec §4.3).
package busreset

import (
	"fmt"
	"time"

	"github.com/fw-ohci/go-ohci-core/internal/constants"
	"github.com/fw-ohci/go-ohci-core/internal/regio"
	"github.com/fw-ohci/go-ohci-core/internal/selfid"
	"github.com/fw-ohci/go-ohci-core/internal/topology"
)

// State is one of the 9 recovery states named in spec.md §4.3.
type State int

const (
	Idle State = iota
	Detecting
	WaitingSelfID
	QuiescingAT
	RestoringConfigROM
	ClearingBusReset
	Rearming
	Complete
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Detecting:
		return "detecting"
	case WaitingSelfID:
		return "waiting_self_id"
	case QuiescingAT:
		return "quiescing_at"
	case RestoringConfigROM:
		return "restoring_config_rom"
	case ClearingBusReset:
		return "clearing_bus_reset"
	case Rearming:
		return "rearming"
	case Complete:
		return "complete"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind is one of the 7 event types that drive the FSM.
type EventKind int

const (
	EventBusReset EventKind = iota
	EventSelfIDComplete
	EventSelfIDComplete2
	EventWatchdogTimeout
	EventScanComplete
	EventDeferredRun
	EventAbort
)

// Event is one work-queue entry.
type Event struct {
	Kind EventKind
	Err  error
}

// Deps are the coordinator's hardware and subsystem hooks, kept as plain
// functions rather than a wide interface so a test can fake exactly the
// steps a given scenario needs.
type Deps struct {
	Regs              *regio.Registers
	SelfID            *selfid.Capture
	LocalPhyID        func() (uint8, error)
	BuildTopology     func(result selfid.Result, localPhyID uint8) (*topology.Tree, error)
	StopATContexts    func() error
	RestoreConfigROM  func(tree *topology.Tree) error
	RearmATContexts   func() error
	ConfirmGeneration func(generation uint8)
	StartScan         func(generation uint8, tree *topology.Tree)
	SendResumePacket  func() error
	Now               func() time.Time
}

// Coordinator runs one bus's reset-recovery FSM.
type Coordinator struct {
	deps Deps

	state      State
	generation uint8
	tree       *topology.Tree

	delegationRetries    int
	maxDelegationRetries int
	deferredPending      bool
	deadline             time.Time

	// selfIDComplete1Seen/selfIDComplete2Seen latch the two halves of the
	// SelfIDComplete pair (G_HaveSelfIDPair, spec §4.3 step 3); WaitingSelfID
	// only advances once both have been observed for the current reset.
	selfIDComplete1Seen bool
	selfIDComplete2Seen bool

	queue    []Event
	running  bool

	onComplete func(tree *topology.Tree)
	onError    func(err error)
}

// New constructs a Coordinator. onComplete is called once recovery
// finishes successfully; onError is called if recovery cannot proceed.
func New(deps Deps, onComplete func(tree *topology.Tree), onError func(err error)) *Coordinator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Coordinator{
		deps:                 deps,
		maxDelegationRetries: constants.DefaultMaxDelegateRetries,
		onComplete:           onComplete,
		onError:              onError,
	}
}

// State returns the FSM's current state.
func (c *Coordinator) State() State { return c.state }

// HandleBusReset posts the observed-bus-reset event (IntEvent.BusReset).
func (c *Coordinator) HandleBusReset() { c.post(Event{Kind: EventBusReset}) }

// HandleSelfIDComplete posts the primary SelfIDComplete interrupt: one
// half of the pair WaitingSelfID requires before it advances (guard
// G_HaveSelfIDPair, spec §4.3 step 3).
func (c *Coordinator) HandleSelfIDComplete() { c.post(Event{Kind: EventSelfIDComplete}) }

// HandleSelfIDComplete2 posts the SelfIDComplete2 interrupt: the other
// half of G_HaveSelfIDPair when observed inside WaitingSelfID, and
// otherwise a stray/duplicate that spec §4 calls out as needing explicit
// clearing rather than silent ignoring, to avoid it wedging IntEvent
// (supplemented feature: "stray Self-ID2 clearing"). The register is
// acknowledged unconditionally either way.
func (c *Coordinator) HandleSelfIDComplete2() { c.post(Event{Kind: EventSelfIDComplete2}) }

// HandleWatchdogTimeout posts a per-state safety-timeout expiry.
func (c *Coordinator) HandleWatchdogTimeout() { c.post(Event{Kind: EventWatchdogTimeout}) }

// HandleScanComplete posts the Configuration-ROM scan's completion.
func (c *Coordinator) HandleScanComplete() { c.post(Event{Kind: EventScanComplete}) }

// HandleAbort posts an externally requested abort.
func (c *Coordinator) HandleAbort(err error) { c.post(Event{Kind: EventAbort, Err: err}) }

// ScheduleDeferredRun posts a deferred re-run, used when a bus reset is
// observed while recovery is already in progress: rather than corrupt the
// in-progress FSM, the request is queued and replayed once the current
// recovery reaches Complete; a recovery that ends in Error does not replay
// it (supplemented feature: "deferred re-run scheduling").
func (c *Coordinator) ScheduleDeferredRun() { c.post(Event{Kind: EventDeferredRun}) }

// ResetDelegationRetryCounter clears the root-delegation retry count,
// called on every successful recovery so a later, unrelated failure does
// not inherit an already-elevated count.
func (c *Coordinator) ResetDelegationRetryCounter() { c.delegationRetries = 0 }

// DeadlineExceeded reports whether the current state has been running
// longer than constants.BusResetStateTimeout, for an external watchdog to
// decide whether to call HandleWatchdogTimeout.
func (c *Coordinator) DeadlineExceeded() bool {
	return c.state != Idle && c.state != Complete && c.state != Error && c.deps.Now().After(c.deadline)
}

func (c *Coordinator) post(e Event) {
	c.queue = append(c.queue, e)
	c.run()
}

// run drains the work queue one event at a time. The `running` latch is
// the FSM's reentrancy guard (spec §4.3): a hook invoked synchronously
// from inside handle() — e.g. StartScan calling back into
// HandleScanComplete before returning — must not recurse into the FSM;
// it queues instead and the outer run() loop picks it up.
func (c *Coordinator) run() {
	if c.running {
		return
	}
	c.running = true
	defer func() { c.running = false }()

	for len(c.queue) > 0 {
		e := c.queue[0]
		c.queue = c.queue[1:]
		c.handle(e)
	}
}

func (c *Coordinator) handle(e Event) {
	switch e.Kind {
	case EventBusReset:
		if c.state != Idle && c.state != Complete && c.state != Error {
			c.deferredPending = true
			return
		}
		c.beginRecovery()

	case EventSelfIDComplete:
		if c.state != WaitingSelfID {
			return // stale or duplicate interrupt; not in the state that expects it
		}
		c.selfIDComplete1Seen = true
		c.maybeAdvanceFromWaitingSelfID()

	case EventSelfIDComplete2:
		c.clearStraySelfIDComplete2()
		if c.state != WaitingSelfID {
			return
		}
		c.selfIDComplete2Seen = true
		c.maybeAdvanceFromWaitingSelfID()

	case EventWatchdogTimeout:
		c.onTimeout()

	case EventScanComplete:
		if c.state != Rearming {
			return
		}
		c.onScanComplete()

	case EventDeferredRun:
		if c.state == Idle || c.state == Complete || c.state == Error {
			c.beginRecovery()
		} else {
			c.deferredPending = true
		}

	case EventAbort:
		c.fail(e.Err)
	}
}

// beginRecovery is action step 1: enter Detecting, then immediately
// WaitingSelfID once the Self-ID buffer is (re)armed for this
// generation.
func (c *Coordinator) beginRecovery() {
	c.state = Detecting
	c.deadline = c.deps.Now().Add(constants.BusResetStateTimeout)
	if c.deps.SelfID != nil {
		_ = c.deps.SelfID.Arm(c.deps.Regs) // step 2: re-arm before the next SelfIDComplete can land
	}
	c.selfIDComplete1Seen = false
	c.selfIDComplete2Seen = false
	c.state = WaitingSelfID
	c.deadline = c.deps.Now().Add(constants.BusResetStateTimeout)
}

// maybeAdvanceFromWaitingSelfID implements guard G_HaveSelfIDPair (spec
// §4.3 step 3): WaitingSelfID only advances once both the primary
// SelfIDComplete and its SelfIDComplete2 companion have been observed for
// this generation.
func (c *Coordinator) maybeAdvanceFromWaitingSelfID() {
	if !c.selfIDComplete1Seen || !c.selfIDComplete2Seen {
		return
	}
	c.onSelfIDComplete()
}

// onSelfIDComplete runs action steps 3-8: decode with double-read
// validation, build the topology, quiesce AT contexts, restore the
// Configuration ROM, clear the bus-reset interrupt, rearm, confirm the
// generation to the transaction tracker, and kick off the scan. It stays
// in Rearming until the scan reports completion.
func (c *Coordinator) onSelfIDComplete() {
	result, err := c.deps.SelfID.Decode(c.deps.Regs)
	if err != nil {
		c.fail(fmt.Errorf("busreset: self-id decode: %w", err))
		return
	}
	if !result.Valid {
		// A racing generation (spec §4.4) means another reset landed
		// mid-read; defer and let the next SelfIDComplete retry.
		c.ScheduleDeferredRun()
		return
	}

	localPhyID, err := c.deps.LocalPhyID()
	if err != nil {
		c.fail(fmt.Errorf("busreset: local phy id: %w", err))
		return
	}
	tree, err := c.deps.BuildTopology(result, localPhyID)
	if err != nil {
		c.fail(fmt.Errorf("busreset: build topology: %w", err))
		return
	}
	c.generation = uint8(result.Generation)
	c.tree = tree

	c.state = QuiescingAT
	c.deadline = c.deps.Now().Add(constants.BusResetStateTimeout)
	if err := c.deps.StopATContexts(); err != nil {
		c.fail(fmt.Errorf("busreset: quiesce AT: %w", err))
		return
	}

	c.state = RestoringConfigROM
	c.deadline = c.deps.Now().Add(constants.BusResetStateTimeout)
	if err := c.deps.RestoreConfigROM(tree); err != nil {
		c.fail(fmt.Errorf("busreset: restore config rom: %w", err))
		return
	}

	valid, err := c.nodeIDValid()
	if err != nil {
		c.fail(fmt.Errorf("busreset: check node id valid: %w", err))
		return
	}
	if !valid {
		c.fail(fmt.Errorf("busreset: node id not valid (G_NodeIDValid) before clearing bus reset"))
		return
	}

	c.state = ClearingBusReset
	if err := c.clearBusResetInterrupt(); err != nil {
		c.fail(fmt.Errorf("busreset: clear bus reset: %w", err))
		return
	}

	c.state = Rearming
	c.deadline = c.deps.Now().Add(constants.BusResetStateTimeout)
	if err := c.deps.RearmATContexts(); err != nil {
		c.fail(fmt.Errorf("busreset: rearm AT: %w", err))
		return
	}
	if c.deps.ConfirmGeneration != nil {
		c.deps.ConfirmGeneration(c.generation)
	}
	if c.deps.StartScan != nil {
		c.deps.StartScan(c.generation, tree)
	}
}

// clearBusResetInterrupt acknowledges IntEvent.BusReset; a real register
// write, modeled through Regs so tests can observe it via a fake.
func (c *Coordinator) clearBusResetInterrupt() error {
	return c.deps.Regs.Write(regio.IntEventClear, regio.IntEventBusReset)
}

// nodeIDValid reads the NodeID register directly and reports whether its
// IDValid bit is set, the guard (G_NodeIDValid, spec §4.3 step 6) that
// must hold before the FSM clears the bus-reset interrupt.
func (c *Coordinator) nodeIDValid() (bool, error) {
	v, err := c.deps.Regs.Read(regio.NodeID)
	if err != nil {
		return false, err
	}
	return v&regio.NodeIDIDValid != 0, nil
}

// clearStraySelfIDComplete2 acknowledges a duplicate SelfIDComplete2
// regardless of FSM state — unlike the primary SelfIDComplete, this one
// is safe (and necessary) to clear even outside WaitingSelfID, since the
// hardware can latch it again after the primary generation already
// advanced past it.
func (c *Coordinator) clearStraySelfIDComplete2() {
	_ = c.deps.Regs.Write(regio.IntEventClear, regio.IntEventSelfIDComplete2)
}

// onScanComplete is action step 9: mark recovery Complete, reset the
// delegation-retry counter, unmask busReset (the dispatcher masked it on
// observation), optionally emit the global resume packet, and invoke
// onComplete — then, if a bus reset was observed while this recovery was
// still running, immediately start the deferred re-run.
func (c *Coordinator) onScanComplete() {
	c.state = Complete
	c.ResetDelegationRetryCounter()
	if c.deps.Regs != nil {
		_ = c.deps.Regs.SetIntMask(regio.IntEventBusReset)
	}

	if c.deps.SendResumePacket != nil {
		_ = c.deps.SendResumePacket()
	}
	if c.onComplete != nil {
		c.onComplete(c.tree)
	}
	if c.deferredPending {
		c.deferredPending = false
		c.beginRecovery()
	}
}

// onTimeout handles a per-state safety-timeout expiry. If this state
// represents waiting on root-delegation negotiation (WaitingSelfID, where
// a non-root node with IRM duties may be waiting on the elected root to
// act) the coordinator restarts recovery on each of the first
// maxDelegationRetries-1 timeouts and fails on the maxDelegationRetries-th;
// any other state's timeout is an unconditional failure.
func (c *Coordinator) onTimeout() {
	if c.state == WaitingSelfID {
		c.delegationRetries++
		if c.delegationRetries < c.maxDelegationRetries {
			c.beginRecovery()
			return
		}
	}
	c.fail(fmt.Errorf("busreset: state %s timed out after %s", c.state, constants.BusResetStateTimeout))
}

func (c *Coordinator) fail(err error) {
	c.state = Error
	if c.onError != nil {
		c.onError(err)
	}
}
