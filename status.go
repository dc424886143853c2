package ohci

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ControllerState is the controller's user-visible lifecycle state (spec
// §5: "Stopped, Starting, Running, Quiescing, Failed").
type ControllerState uint8

const (
	StateStopped ControllerState = iota
	StateStarting
	StateRunning
	StateQuiescing
	StateFailed
)

func (s ControllerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateQuiescing:
		return "quiescing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PublishReason names why the shared status block was republished (spec
// §6: "Boot, Interrupt, BusReset, AsyncActivity, Watchdog, Manual,
// Disconnect").
type PublishReason uint8

const (
	ReasonBoot PublishReason = iota
	ReasonInterrupt
	ReasonBusReset
	ReasonAsyncActivity
	ReasonWatchdog
	ReasonManual
	ReasonDisconnect
)

func (r PublishReason) String() string {
	switch r {
	case ReasonBoot:
		return "boot"
	case ReasonInterrupt:
		return "interrupt"
	case ReasonBusReset:
		return "bus_reset"
	case ReasonAsyncActivity:
		return "async_activity"
	case ReasonWatchdog:
		return "watchdog"
	case ReasonManual:
		return "manual"
	case ReasonDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// statusBlockVersion is bumped whenever the field layout changes, so a
// listener decoding an export can detect a mismatch before trusting it.
const statusBlockVersion uint16 = 1

// StatusBlock is the packed status record spec §3/§5 describes: version,
// controller state, bus generation, node counts and the running
// bus-reset/transaction/scan counters a status-listener needs without
// round-tripping through the full Metrics snapshot. It approximates the
// spec's "packed 256-byte record" in field layout; Go does not need
// manual byte packing for an in-process struct, so the size is
// aspirational rather than enforced.
type StatusBlock struct {
	Version    uint16
	State      ControllerState
	Reason     PublishReason
	Generation uint8
	NodeCount  uint8
	RootNodeID uint8
	IRMNodeID  uint8

	BusResetCount      uint64
	BusResetAbortCount uint64
	BusResetErrorCount uint64

	TxCompleted uint64
	TxTimedOut  uint64
	TxBusReset  uint64

	ScansCompleted uint64

	PublishedAtUnixNano int64
}

// statusBlockExport is the CBOR wire shape for StatusBlock, with the
// enum fields rendered as their display strings for a listener that does
// not share this package's constants.
type statusBlockExport struct {
	Version    uint16 `cbor:"version"`
	State      string `cbor:"state"`
	Reason     string `cbor:"reason"`
	Generation uint8  `cbor:"generation"`
	NodeCount  uint8  `cbor:"node_count"`
	RootNodeID uint8  `cbor:"root_node_id"`
	IRMNodeID  uint8  `cbor:"irm_node_id"`

	BusResetCount      uint64 `cbor:"bus_reset_count"`
	BusResetAbortCount uint64 `cbor:"bus_reset_abort_count"`
	BusResetErrorCount uint64 `cbor:"bus_reset_error_count"`

	TxCompleted uint64 `cbor:"tx_completed"`
	TxTimedOut  uint64 `cbor:"tx_timed_out"`
	TxBusReset  uint64 `cbor:"tx_bus_reset"`

	ScansCompleted uint64 `cbor:"scans_completed"`

	PublishedAtUnixNano int64 `cbor:"published_at_unix_nano"`
}

// StatusPublisher is the single-writer, many-reader publication point for
// the shared status block (spec §5: "writers bump a sequence number
// after every field update; readers retry until they observe a stable
// sequence twice"). The sequence protocol is kept even though this
// process never actually maps the block into a second address space,
// since a real status-listener seam (spec §6) reads it the same way a
// shared-memory mapping would.
type StatusPublisher struct {
	seq   sequenceCounter
	block StatusBlock

	mu        sync.Mutex // serializes Publish callers; the sequence protocol serves readers
	listeners []chan PublishReason
}

// sequenceCounter models the even-stable/odd-in-progress publication
// sequence, kept as its own type so the retry protocol reads the same
// way at every call site.
type sequenceCounter struct {
	v atomic.Uint32
}

// NewStatusPublisher returns a publisher whose block starts Stopped.
func NewStatusPublisher() *StatusPublisher {
	return &StatusPublisher{block: StatusBlock{Version: statusBlockVersion, State: StateStopped}}
}

// Publish applies mutate to the block under the sequence protocol: bump
// to odd, mutate, stamp the publish time, bump to even, then notify
// registered listeners with reason. Only one goroutine may call Publish
// at a time (the mutex enforces that); concurrent Snapshot readers never
// block on it.
func (p *StatusPublisher) Publish(reason PublishReason, mutate func(*StatusBlock)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq.beginWrite()
	p.block.Reason = reason
	if mutate != nil {
		mutate(&p.block)
	}
	p.block.PublishedAtUnixNano = time.Now().UnixNano()
	p.seq.endWrite()

	for _, ch := range p.listeners {
		select {
		case ch <- reason:
		default: // a slow listener never blocks publication
		}
	}
}

func (s *sequenceCounter) beginWrite() { s.v.Add(1) }
func (s *sequenceCounter) endWrite()   { s.v.Add(1) }
func (s *sequenceCounter) load() uint32 { return s.v.Load() }

// Snapshot returns a consistent copy of the status block, retrying the
// read until it observes a stable (even) sequence number twice in a row
// (spec §5's reader-side half of the protocol).
func (p *StatusPublisher) Snapshot() StatusBlock {
	for {
		seq1 := p.seq.load()
		if seq1%2 != 0 {
			continue // a write is in progress
		}
		block := p.block
		seq2 := p.seq.load()
		if seq1 == seq2 {
			return block
		}
	}
}

// Export serializes the current snapshot as CBOR, the wire format the
// status-listener and ROM-export external interfaces share (spec §3/§6).
func (p *StatusPublisher) Export() ([]byte, error) {
	b := p.Snapshot()
	out := statusBlockExport{
		Version:             b.Version,
		State:               b.State.String(),
		Reason:              b.Reason.String(),
		Generation:          b.Generation,
		NodeCount:           b.NodeCount,
		RootNodeID:          b.RootNodeID,
		IRMNodeID:           b.IRMNodeID,
		BusResetCount:       b.BusResetCount,
		BusResetAbortCount:  b.BusResetAbortCount,
		BusResetErrorCount:  b.BusResetErrorCount,
		TxCompleted:         b.TxCompleted,
		TxTimedOut:          b.TxTimedOut,
		TxBusReset:          b.TxBusReset,
		ScansCompleted:      b.ScansCompleted,
		PublishedAtUnixNano: b.PublishedAtUnixNano,
	}
	return cbor.Marshal(out)
}

// Listen registers a channel that receives the reason code every time
// Publish runs (spec §6: "a completion channel to be invoked whenever the
// shared status block is republished"). The channel is never closed by
// the publisher; calling the returned unregister function removes it.
func (p *StatusPublisher) Listen(ch chan PublishReason) (unregister func()) {
	p.mu.Lock()
	p.listeners = append(p.listeners, ch)
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, c := range p.listeners {
			if c == ch {
				p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}
