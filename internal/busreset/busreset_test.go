package busreset

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/fw-ohci/go-ohci-core/internal/dmamem"
	"github.com/fw-ohci/go-ohci-core/internal/regio"
	"github.com/fw-ohci/go-ohci-core/internal/selfid"
	"github.com/fw-ohci/go-ohci-core/internal/topology"
)

// fakeIO is a minimal plain-register fake sufficient for Write/Read
// against IntEventClear/IntEventSet/IntMask, SelfIDBuffer/SelfIDCount and
// NodeID — the only registers this FSM touches directly (Self-ID decode
// itself is exercised by internal/selfid's own tests). Writes to
// IntEventClear accumulate, so a test can see every bit acknowledged.
type fakeIO struct {
	regs map[uint32]uint32
}

func newFakeIO() *fakeIO { return &fakeIO{regs: map[uint32]uint32{}} }

func (f *fakeIO) Read(offset uint32) (uint32, error)  { return f.regs[offset], nil }
func (f *fakeIO) Write(offset uint32, value uint32) error {
	if offset == uint32(regio.IntEventClear) {
		f.regs[offset] |= value
		return nil
	}
	f.regs[offset] = value
	return nil
}
func (f *fakeIO) WriteAndFlush(offset, value, flush uint32) error {
	return f.Write(offset, value)
}

func buildOneNodeTree(selfid.Result, uint8) (*topology.Tree, error) {
	return &topology.Tree{LocalNode: &topology.Node{PhyID: 0}}, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeIO, *int) {
	t.Helper()
	io := newFakeIO()
	io.regs[uint32(regio.NodeID)] = regio.NodeIDIDValid // valid by default; tests needing otherwise override it
	regs := regio.New(io)
	alloc := dmamem.NewAllocator(0x1000)
	cap := selfid.NewCapture(alloc)
	if err := cap.PrepareBuffers(512); err != nil {
		t.Fatalf("PrepareBuffers: %v", err)
	}

	completions := 0
	var c *Coordinator
	deps := Deps{
		Regs:              regs,
		SelfID:            cap,
		LocalPhyID:        func() (uint8, error) { return 0, nil },
		BuildTopology:     buildOneNodeTree,
		StopATContexts:    func() error { return nil },
		RestoreConfigROM:  func(tree *topology.Tree) error { return nil },
		RearmATContexts:   func() error { return nil },
		ConfirmGeneration: func(generation uint8) {},
		StartScan: func(generation uint8, tree *topology.Tree) {
			// synchronous "scan": complete immediately
			c.HandleScanComplete()
		},
	}
	c = New(deps, func(tree *topology.Tree) { completions++ }, func(err error) {})
	return c, io, &completions
}

func TestBusResetReachesWaitingSelfID(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.HandleBusReset()
	if c.State() != WaitingSelfID {
		t.Fatalf("expected WaitingSelfID after a bus reset with an empty Self-ID buffer pending decode, got %s", c.State())
	}
}

func TestReentrantBusResetIsDeferred(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.state = QuiescingAT // simulate recovery already in progress
	c.HandleBusReset()
	if !c.deferredPending {
		t.Fatal("expected a bus reset observed mid-recovery to be marked deferred, not acted on immediately")
	}
	if c.State() != QuiescingAT {
		t.Fatal("expected the in-progress state to be untouched by the reentrant bus reset")
	}
}

func TestStraySelfIDComplete2ClearsRegardlessOfState(t *testing.T) {
	c, io, _ := newTestCoordinator(t)
	c.state = Complete
	c.HandleSelfIDComplete2()
	if io.regs[uint32(regio.IntEventClear)]&regio.IntEventSelfIDComplete2 == 0 {
		t.Fatal("expected SelfIDComplete2 to be cleared even outside WaitingSelfID")
	}
}

func TestWatchdogTimeoutInNonDelegationStateFails(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.state = RestoringConfigROM
	c.HandleWatchdogTimeout()
	if c.State() != Error {
		t.Fatalf("expected a timeout outside WaitingSelfID to fail the FSM, got %s", c.State())
	}
}

func TestWatchdogTimeoutInWaitingSelfIDRetriesUpToCap(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.HandleBusReset() // -> WaitingSelfID
	for i := 0; i < c.maxDelegationRetries-1; i++ {
		c.HandleWatchdogTimeout()
		if c.State() != WaitingSelfID {
			t.Fatalf("expected retry %d to return to WaitingSelfID, got %s", i, c.State())
		}
	}
	c.HandleWatchdogTimeout() // exhausts the cap
	if c.State() != Error {
		t.Fatalf("expected the delegation retry cap to be enforced, got %s", c.State())
	}
}

func TestOnSelfIDCompleteRunsToCompleteOnValidData(t *testing.T) {
	c, io, completions := newTestCoordinator(t)
	c.HandleBusReset() // -> WaitingSelfID, arms the Self-ID buffer

	// Hand-craft a valid double-read: write a plausible SelfIDCount with
	// generation 3 and 1 quadlet, and stage the matching embedded
	// generation into the armed buffer's first quadlet directly.
	const generation = 3
	binary.LittleEndian.PutUint32(c.deps.SelfID.Buffer()[0:4], uint32(generation)<<16)
	selfIDCount := (uint32(generation) << 16) | (uint32(1) << 2)
	io.regs[uint32(regio.SelfIDCount)] = selfIDCount

	// WaitingSelfID requires both halves of the pair (G_HaveSelfIDPair)
	// before it advances; the first alone must leave it waiting.
	c.HandleSelfIDComplete()
	if c.State() != WaitingSelfID {
		t.Fatalf("expected WaitingSelfID after only the primary SelfIDComplete, got %s", c.State())
	}

	c.HandleSelfIDComplete2()

	if c.State() != Complete {
		t.Fatalf("expected Complete after a clean Self-ID decode and synchronous scan, got %s (err path may have triggered)", c.State())
	}
	if *completions != 1 {
		t.Fatalf("expected exactly 1 completion callback, got %d", *completions)
	}
	if io.regs[uint32(regio.IntEventClear)]&regio.IntEventBusReset == 0 {
		t.Fatal("expected IntEvent.BusReset to be cleared during recovery")
	}
	if io.regs[uint32(regio.IntEventClear)]&regio.IntEventSelfIDComplete2 == 0 {
		t.Fatal("expected SelfIDComplete2 to be acknowledged as part of the pair")
	}
}

func TestOnSelfIDComplete2AloneDoesNotAdvance(t *testing.T) {
	c, _, completions := newTestCoordinator(t)
	c.HandleBusReset() // -> WaitingSelfID

	c.HandleSelfIDComplete2()
	if c.State() != WaitingSelfID {
		t.Fatalf("expected WaitingSelfID after only SelfIDComplete2, got %s", c.State())
	}
	if *completions != 0 {
		t.Fatalf("expected no completion callback before both halves of the pair arrive, got %d", *completions)
	}
}

func TestOnSelfIDCompleteFailsWhenNodeIDNotValid(t *testing.T) {
	c, io, completions := newTestCoordinator(t)
	io.regs[uint32(regio.NodeID)] = 0 // IDValid bit unset

	c.HandleBusReset() // -> WaitingSelfID

	const generation = 3
	binary.LittleEndian.PutUint32(c.deps.SelfID.Buffer()[0:4], uint32(generation)<<16)
	io.regs[uint32(regio.SelfIDCount)] = (uint32(generation) << 16) | (uint32(1) << 2)

	c.HandleSelfIDComplete()
	c.HandleSelfIDComplete2()

	if c.State() != Error {
		t.Fatalf("expected Error when NodeID.IDValid is unset before clearing bus reset, got %s", c.State())
	}
	if *completions != 0 {
		t.Fatalf("expected no completion callback when G_NodeIDValid fails, got %d", *completions)
	}
}

func TestAbortFailsImmediately(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.HandleAbort(fmt.Errorf("forced"))
	if c.State() != Error {
		t.Fatalf("expected Error after HandleAbort, got %s", c.State())
	}
}
