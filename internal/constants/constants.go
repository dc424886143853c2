// Package constants is the single source of truth for the controller's
// tunable timing and sizing constants. The root package re-exports the
// subset callers are meant to override.
package constants

import "time"

// Register offsets, bit layouts and the baseline interrupt mask live in
// internal/regio (they are not "tunables" — they are the OHCI wire
// contract and must not be configurable).

const (
	// SelfIDBufferMinQuads is the minimum Self-ID buffer capacity in
	// quadlets; OHCI requires a 2 KiB-aligned buffer (§11.3).
	SelfIDBufferMinQuads = 512 // 2KiB / 4 bytes

	// SelfIDBufferAlignment is the required DMA alignment for the
	// Self-ID buffer, in bytes.
	SelfIDBufferAlignment = 2048

	// MaxTLabel is the exclusive upper bound of the 6-bit t-label space.
	MaxTLabel = 64

	// MaxNodeID is the highest addressable physical node ID (62; 63 is
	// the broadcast ID and never assigned to a real node).
	MaxNodeID = 62

	// DefaultMaxInFlightScans bounds the ROM scanner's concurrent
	// in-flight BIB reads (spec §4.9 default of 2).
	DefaultMaxInFlightScans = 2

	// DefaultScanRetriesPerStep is the per-step retry budget before the
	// scanner downgrades speed and resets its counter.
	DefaultScanRetriesPerStep = 3

	// DefaultMaxDelegateRetries caps root-delegation PHY-config attempts
	// (mirrors the original source's kMaxDelegateRetries = 5).
	DefaultMaxDelegateRetries = 5

	// DefaultTransactionRetries is the default retry budget for a
	// transient transaction failure (BusyX/A/B, Timeout).
	DefaultTransactionRetries = 3
)

// Timing constants for controller and bus-reset lifecycle.
//
// These bound the blocking polls the hardware probe and bus-reset
// coordinator must perform; OHCI 1.1 specifies maximum latencies for LPS
// bring-up and context stop, and this module holds to them rather than
// polling indefinitely.
const (
	// LPSBringupTimeout bounds the wait for LinkPowerStatus to assert
	// after HCControl.LPS is set during cold start.
	LPSBringupTimeout = 150 * time.Millisecond

	// PhyPollInterval is the busy-wait step while waiting for PhyControl
	// ReadDone/WriteDone to latch.
	PhyPollInterval = 50 * time.Microsecond

	// PhyPollTimeout bounds a single PHY register access.
	PhyPollTimeout = 2 * time.Millisecond

	// ContextStopTimeout bounds the poll for a DMA context's `active`
	// bit to clear after `run` is cleared (spec §4.6, ≤100ms).
	ContextStopTimeout = 100 * time.Millisecond

	// ContextStopPollInterval is the step between `active` bit polls.
	ContextStopPollInterval = 200 * time.Microsecond

	// WatchdogTick is the cadence of the transaction-deadline sweep
	// (spec §4.7, "≈1ms").
	WatchdogTick = 1 * time.Millisecond

	// DefaultTransactionDeadline is the per-transaction timeout absent
	// an explicit override (spec §5).
	DefaultTransactionDeadline = 100 * time.Millisecond

	// BusResetStateTimeout bounds how long the coordinator waits in any
	// single transient state before firing its safety timeout guard.
	BusResetStateTimeout = 1 * time.Second

	// RetryBaseBackoff is the starting backoff for a transient
	// transaction failure under Exponential/Fixed backoff strategies.
	RetryBaseBackoff = 500 * time.Microsecond

	// BusyNodeBackoff is the deferred re-scan delay when the ROM scanner
	// observed AckBusyX responses during the prior generation.
	BusyNodeBackoff = 50 * time.Millisecond
)
