package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAssignsDistinctLabelsPerNode(t *testing.T) {
	tr := NewTracker(3)
	k1, err := tr.Allocate(5, 1, Speed800, nil, time.Now().Add(time.Second), true, nil)
	require.NoError(t, err)
	k2, err := tr.Allocate(5, 1, Speed800, nil, time.Now().Add(time.Second), true, nil)
	require.NoError(t, err)
	assert.NotEqual(t, k1.TLabel, k2.TLabel, "expected distinct t-labels for concurrent transactions to the same node")
}

func TestAllocateExhaustsAt64Labels(t *testing.T) {
	tr := NewTracker(3)
	for i := 0; i < 64; i++ {
		_, err := tr.Allocate(1, 1, Speed800, nil, time.Now().Add(time.Second), true, nil)
		require.NoErrorf(t, err, "Allocate %d", i)
	}
	_, err := tr.Allocate(1, 1, Speed800, nil, time.Now().Add(time.Second), true, nil)
	assert.Error(t, err, "expected the 65th allocation for the same node to fail")
}

func TestCompleteInvokesCallbackAndFreesLabel(t *testing.T) {
	tr := NewTracker(3)
	var gotStatus Status
	var gotPayload []byte
	k, err := tr.Allocate(5, 1, Speed800, nil, time.Now().Add(time.Second), true, func(key Key, status Status, payload []byte) {
		gotStatus = status
		gotPayload = payload
	})
	require.NoError(t, err)

	assert.True(t, tr.Complete(k, []byte("resp")), "expected Complete to find the outstanding transaction")
	assert.Equal(t, StatusComplete, gotStatus)
	assert.Equal(t, "resp", string(gotPayload))
	assert.Equal(t, 0, tr.OutstandingCount())

	// the label should be reusable now
	_, err = tr.Allocate(5, 1, Speed800, nil, time.Now().Add(time.Second), true, nil)
	assert.NoError(t, err, "expected label reuse to succeed")
}

func TestCompleteOnUnknownKeyReturnsFalse(t *testing.T) {
	tr := NewTracker(3)
	assert.False(t, tr.Complete(Key{TLabel: 9, NodeID: 9, Generation: 9}, nil),
		"expected Complete on an unknown key to return false")
}

func TestSweepAppliesSpeedFallbackThenTimesOut(t *testing.T) {
	tr := NewTracker(1)
	var results []Status
	base := time.Now()
	_, err := tr.Allocate(7, 2, Speed800, nil, base.Add(-time.Millisecond), true, func(key Key, status Status, payload []byte) {
		results = append(results, status)
	})
	require.NoError(t, err)

	tr.Sweep(base) // first expiry: retries=1 <= maxRetry(1), falls back to S400, stays outstanding
	require.Equal(t, 1, tr.OutstandingCount(), "expected transaction to remain outstanding after first retry")

	// force the retried entry's deadline to have already passed again
	tr.mu.Lock()
	for _, o := range tr.byKey {
		o.deadline = base.Add(-time.Millisecond)
	}
	tr.mu.Unlock()

	tr.Sweep(base) // second expiry: retries=2 > maxRetry(1), times out
	assert.Equal(t, 0, tr.OutstandingCount(), "expected transaction to be retired after exceeding retry budget")
	require.Len(t, results, 1)
	assert.Equal(t, StatusTimedOut, results[0])
}

func TestConfirmBusGenerationCancelsStaleTransactionsWithFailOnReset(t *testing.T) {
	tr := NewTracker(3)
	var results []Status
	_, err := tr.Allocate(3, 1, Speed800, nil, time.Now().Add(time.Second), true, func(key Key, status Status, payload []byte) {
		results = append(results, status)
	})
	require.NoError(t, err)
	_, err = tr.Allocate(4, 2, Speed800, nil, time.Now().Add(time.Second), true, func(key Key, status Status, payload []byte) {
		results = append(results, status)
	})
	require.NoError(t, err)

	tr.ConfirmBusGeneration(2)

	assert.Equal(t, 1, tr.OutstandingCount(), "expected only the generation-1 transaction to be cancelled")
	require.Len(t, results, 1)
	assert.Equal(t, StatusCancelled, results[0])
}

func TestConfirmBusGenerationRefreshesTransactionsWithoutFailOnReset(t *testing.T) {
	tr := NewTracker(3)
	var results []Status
	k, err := tr.Allocate(3, 1, Speed800, nil, time.Now().Add(time.Second), false, func(key Key, status Status, payload []byte) {
		results = append(results, status)
	})
	require.NoError(t, err)

	tr.ConfirmBusGeneration(2)

	assert.Empty(t, results, "expected no completion callback for a refreshed (non-failOnReset) transaction")
	assert.Equal(t, 1, tr.OutstandingCount(), "expected the transaction to remain outstanding after a generation refresh")

	refreshedKey := Key{TLabel: k.TLabel, NodeID: k.NodeID, Generation: 2}
	assert.True(t, tr.Complete(refreshedKey, []byte("resp")), "expected the refreshed key to still resolve the transaction")
	require.Len(t, results, 1)
	assert.Equal(t, StatusComplete, results[0])
}

func TestConfirmBusGenerationMixesCancelAndRefresh(t *testing.T) {
	tr := NewTracker(3)
	var results []Status
	_, err := tr.Allocate(3, 1, Speed800, nil, time.Now().Add(time.Second), true, func(key Key, status Status, payload []byte) {
		results = append(results, status)
	})
	require.NoError(t, err)
	_, err = tr.Allocate(4, 1, Speed800, nil, time.Now().Add(time.Second), false, func(key Key, status Status, payload []byte) {
		results = append(results, status)
	})
	require.NoError(t, err)

	tr.ConfirmBusGeneration(2)

	assert.Equal(t, 1, tr.OutstandingCount(), "expected the failOnReset record cancelled and the other refreshed and kept")
	require.Len(t, results, 1)
	assert.Equal(t, StatusCancelled, results[0])
}
