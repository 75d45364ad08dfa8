package network

import (
	"testing"
	"time"

	"datanet/pkg/types"

	"github.com/stretchr/testify/assert"
)

func TestSeenCache(t *testing.T) {
	c := NewSeenCache(2, time.Minute)

	assert.True(t, c.MarkSeen(types.Hash{1}))
	assert.False(t, c.MarkSeen(types.Hash{1}))
	assert.True(t, c.MarkSeen(types.Hash{2}))
	assert.True(t, c.MarkSeen(types.Hash{3}))
	assert.Equal(t, 2, c.Len())

	// The oldest hash was evicted and counts as new again.
	assert.True(t, c.MarkSeen(types.Hash{1}))
}

func TestInboundLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewInboundLimiter(1, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "burst used up")
	assert.True(t, l.Allow("b"), "peers have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"), "one token refilled")

	now = now.Add(time.Hour)
	l.Allow("b")
	now = now.Add(time.Minute)
	assert.Equal(t, 1, l.Sweep(30*time.Minute))
	assert.Equal(t, 0, l.Sweep(30*time.Minute))
}

func TestEnvelope(t *testing.T) {
	env := envelope{Sender: "node-a", Request: []byte{1, 2, 3}}
	decoded, err := decodeEnvelope(env.encode())
	assert.NoError(t, err)
	assert.Equal(t, env, decoded)

	_, err = decodeEnvelope(envelope{Sender: "node-a"}.encode())
	assert.Error(t, err)
}
