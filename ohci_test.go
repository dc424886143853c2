package ohci

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fw-ohci/go-ohci-core/internal/regio"
	"github.com/fw-ohci/go-ohci-core/internal/txn"
)

func newTestController(t *testing.T) (*Controller, *FakeHardware) {
	t.Helper()
	hw := NewFakeHardware()
	c, err := NewController(hw, Options{})
	require.NoError(t, err)
	return c, hw
}

func TestNewControllerBuildsAllFourContexts(t *testing.T) {
	c, _ := newTestController(t)

	assert.NotNil(t, c.atRequest)
	assert.NotNil(t, c.atResponse)
	assert.NotNil(t, c.arRequest)
	assert.NotNil(t, c.arResponse)
}

func TestStartEnablesBaselineMaskAndLink(t *testing.T) {
	c, hw := newTestController(t)
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))

	mask := hw.ShadowBits(uint32(regio.IntMaskSet))
	assert.Equal(t, regio.BaseIntMask|regio.IntMaskMasterIntEnable, mask,
		"expected EnableBaseline to program the baseline mask plus master enable")

	hcControl := hw.ShadowBits(uint32(regio.HCControlSet))
	assert.NotZero(t, hcControl&regio.HCControlLinkEnable)
	assert.NotZero(t, hcControl&regio.HCControlPostedWriteEnable)

	linkControl := hw.ShadowBits(uint32(regio.LinkControlSet))
	assert.NotZero(t, linkControl&regio.LinkControlRcvSelfID)
	assert.NotZero(t, linkControl&regio.LinkControlCycleTimerEnable)
}

func TestStartTwiceFails(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Close()

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))
}

func TestSubmitTransactionArmsATRequestRing(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Close()

	err := c.SubmitTransaction(5, []byte("ping"), true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.tracker.OutstandingCount())
}

func TestSubmitTransactionTimesOutAfterRetryBudgetExhausted(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Close()

	var gotStatus txn.Status
	done := make(chan struct{}, 1)
	require.NoError(t, c.SubmitTransaction(5, []byte("ping"), true, func(status txn.Status, _ []byte) {
		gotStatus = status
		done <- struct{}{}
	}))

	base := time.Now().Add(2 * time.Second)
	for i := 0; i <= DefaultTransactionRetries+1; i++ {
		c.tracker.Sweep(base.Add(time.Duration(i) * time.Second))
	}

	select {
	case <-done:
	default:
		t.Fatal("expected the completion callback to fire after exhausting the retry budget")
	}
	assert.Equal(t, txn.StatusTimedOut, gotStatus)
	assert.Equal(t, 0, c.tracker.OutstandingCount())
}

func TestCloseIsIdempotentWithoutStart(t *testing.T) {
	c, _ := newTestController(t)
	assert.NoError(t, c.Close())
}
