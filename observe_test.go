package coapnode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriberRegisterAndDedup(t *testing.T) {
	table := newSubscriberTable(SubscriberTimeout, TimeoutThreshold)
	now := time.Now()

	sub, err := table.Register(testAddr(1001), []byte("A1"), now)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Count())

	sub.timeoutSessions = 2

	// re-registration of the same (peer, token) reuses the slot and resets
	// liveness
	again, err := table.Register(testAddr(1001), []byte("A1"), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, table.Count())
	assert.Equal(t, 0, again.timeoutSessions)

	// same peer, different token is a distinct subscription
	_, err = table.Register(testAddr(1001), []byte("B2"), now)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Count())
}

func TestSubscriberTableFull(t *testing.T) {
	table := newSubscriberTable(SubscriberTimeout, TimeoutThreshold)
	now := time.Now()

	for i := 0; i < MaxSubscribers; i++ {
		_, err := table.Register(testAddr(2000+i), []byte{byte(i)}, now)
		require.NoError(t, err)
	}

	_, err := table.Register(testAddr(3000), []byte("XX"), now)
	assert.ErrorIs(t, err, ErrSubscribersFull)
}

func TestSubscriberSequenceNumbers(t *testing.T) {
	table := newSubscriberTable(SubscriberTimeout, TimeoutThreshold)
	sub, err := table.Register(testAddr(1002), []byte("A1"), time.Now())
	require.NoError(t, err)

	assert.Equal(t, uint32(0), sub.NextSeq())
	assert.Equal(t, uint32(1), sub.NextSeq())
	assert.Equal(t, uint32(2), sub.NextSeq())

	// the sequence wraps inside 24 bits
	sub.observeSeq = observeSeqMask
	assert.Equal(t, uint32(observeSeqMask), sub.NextSeq())
	assert.Equal(t, uint32(0), sub.NextSeq())
}

func TestSubscriberPruneStrikes(t *testing.T) {
	timeout := time.Hour
	table := newSubscriberTable(timeout, 3)
	start := time.Now()

	_, err := table.Register(testAddr(1003), []byte("A1"), start)
	require.NoError(t, err)

	// each full silence window costs one strike
	removed := table.Prune(start.Add(timeout + time.Minute))
	assert.Empty(t, removed)
	assert.Equal(t, 1, table.subs[0].timeoutSessions)

	removed = table.Prune(start.Add(2 * (timeout + time.Minute)))
	assert.Empty(t, removed)
	assert.Equal(t, 2, table.subs[0].timeoutSessions)

	removed = table.Prune(start.Add(3 * (timeout + time.Minute)))
	assert.Empty(t, removed)
	assert.Equal(t, 3, table.subs[0].timeoutSessions)

	// at the threshold the subscriber is removed on the next pass
	removed = table.Prune(start.Add(3*(timeout+time.Minute) + time.Second))
	require.Len(t, removed, 1)
	assert.Equal(t, 0, table.Count())
}

func TestSubscriberAckResetsStrikes(t *testing.T) {
	table := newSubscriberTable(time.Hour, 3)
	start := time.Now()

	_, err := table.Register(testAddr(1004), []byte("A1"), start)
	require.NoError(t, err)

	table.Strike(testAddr(1004))
	table.Strike(testAddr(1004))
	assert.Equal(t, 2, table.subs[0].timeoutSessions)

	table.OnAck(testAddr(1004), start.Add(time.Minute))
	assert.Equal(t, 0, table.subs[0].timeoutSessions)

	// an unknown peer is ignored
	table.Strike(testAddr(9999))
	table.OnAck(testAddr(9999), start)
	assert.Equal(t, 1, table.Count())
}
