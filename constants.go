package ohci

import "github.com/fw-ohci/go-ohci-core/internal/constants"

// Re-exported tunables for the public API.
const (
	MaxTLabel                 = constants.MaxTLabel
	MaxNodeID                 = constants.MaxNodeID
	DefaultMaxInFlightScans   = constants.DefaultMaxInFlightScans
	DefaultScanRetriesPerStep = constants.DefaultScanRetriesPerStep
	DefaultMaxDelegateRetries = constants.DefaultMaxDelegateRetries
	DefaultTransactionRetries = constants.DefaultTransactionRetries

	LPSBringupTimeout           = constants.LPSBringupTimeout
	ContextStopTimeout          = constants.ContextStopTimeout
	WatchdogTick                = constants.WatchdogTick
	DefaultTransactionDeadline  = constants.DefaultTransactionDeadline
	BusResetStateTimeout        = constants.BusResetStateTimeout
)
