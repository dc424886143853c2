// Command ohci-sim drives a Controller over FakeHardware through a
// scripted scenario, with no real MMIO device required. It exists for
// exercising bus-reset recovery, transaction retry and the status
// publisher without a physical OHCI card attached.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"

	ohci "github.com/fw-ohci/go-ohci-core"
	"github.com/fw-ohci/go-ohci-core/internal/logging"
	"github.com/fw-ohci/go-ohci-core/internal/regio"
	"github.com/fw-ohci/go-ohci-core/internal/txn"
)

// interruptBits maps the script's symbolic event names onto the raw
// IntEvent bit they inject.
var interruptBits = map[string]uint32{
	"busreset":    regio.IntEventBusReset,
	"selfid-done": regio.IntEventSelfIDComplete,
	"req-tx":      regio.IntEventReqTxComplete,
	"resp-tx":     regio.IntEventRespTxComplete,
	"rq-pkt":      regio.IntEventRQPkt,
	"rs-pkt":      regio.IntEventRSPkt,
}

func main() {
	var (
		scriptPath = flag.String("script", "", "path to a scripted-event file (one command per line); reads stdin if empty")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)

	hw := ohci.NewFakeHardware()
	c, err := ohci.NewController(hw, ohci.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to build simulated controller", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		logger.Error("failed to start simulated controller", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("error closing simulated controller", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runScript(*scriptPath, c, hw, logger)
	}()

	select {
	case <-done:
	case <-sigCh:
		logger.Info("received shutdown signal")
	}
}

// runScript reads one command per line from path (or stdin if path is
// empty), tokenizing each with shlex the way a shell-like scenario file
// would be tokenized, and dispatches it against c.
func runScript(path string, c *ohci.Controller, hw *ohci.FakeHardware, logger *logging.Logger) {
	var src *os.File
	if path == "" {
		src = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			logger.Error("failed to open scripted-event file", "path", path, "error", err)
			return
		}
		defer f.Close()
		src = f
	}

	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens, err := shlex.Split(line)
		if err != nil {
			logger.Warn("skipping unparseable line", "line", line, "error", err)
			continue
		}
		if len(tokens) == 0 {
			continue
		}
		if err := dispatchCommand(tokens, c, hw, logger); err != nil {
			logger.Error("command failed", "line", line, "error", err)
		}
	}
}

func dispatchCommand(tokens []string, c *ohci.Controller, hw *ohci.FakeHardware, logger *logging.Logger) error {
	switch tokens[0] {
	case "submit":
		if len(tokens) < 3 {
			return fmt.Errorf("submit requires <nodeID> <payload>")
		}
		nodeID, err := strconv.ParseUint(tokens[1], 0, 16)
		if err != nil {
			return fmt.Errorf("bad nodeID %q: %w", tokens[1], err)
		}
		payload := strings.Join(tokens[2:], " ")
		return c.SubmitTransaction(uint16(nodeID), []byte(payload), true, func(status txn.Status, _ []byte) {
			logger.Info("transaction completed", "node", nodeID, "status", status)
		})
	case "interrupt":
		if len(tokens) < 2 {
			return fmt.Errorf("interrupt requires an event name")
		}
		bit, ok := interruptBits[tokens[1]]
		if !ok {
			return fmt.Errorf("unknown interrupt event %q", tokens[1])
		}
		return hw.Write(uint32(regio.IntEventSet), bit)
	case "sleep":
		if len(tokens) < 2 {
			return fmt.Errorf("sleep requires a duration (e.g. 200ms)")
		}
		d, err := time.ParseDuration(tokens[1])
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", tokens[1], err)
		}
		time.Sleep(d)
		return nil
	case "status":
		snap := c.Status().Snapshot()
		logger.Info("status", "state", snap.State.String(), "generation", snap.Generation,
			"nodes", snap.NodeCount, "root", snap.RootNodeID, "irm", snap.IRMNodeID,
			"bus_resets", snap.BusResetCount, "tx_completed", snap.TxCompleted, "tx_timed_out", snap.TxTimedOut)
		return nil
	default:
		return fmt.Errorf("unknown command %q", tokens[0])
	}
}
