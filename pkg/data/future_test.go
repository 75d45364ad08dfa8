package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"datanet/pkg/storage"
	"datanet/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureCompletesOnce(t *testing.T) {
	f := NewFuture()
	go f.Complete(Outcome{NumSuccess: 1}, nil)
	outcome, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.NumSuccess)

	f.Complete(Outcome{NumSuccess: 5}, errors.New("ignored"))
	outcome, err = f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.NumSuccess)
}

func TestFutureWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewFuture().Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroadcastResultWait(t *testing.T) {
	result := newBroadcastResult(storage.Result{Stored: true})
	result.add(types.TransportGRPC, CompletedFuture(Outcome{NumSuccess: 2}, nil))
	result.add(types.TransportGRPC, CompletedFuture(Outcome{NumSuccess: 1, NumFaults: 1}, nil))
	failing := NewFuture()
	result.add(types.TransportMQTT, failing)

	go failing.Complete(Outcome{NumFaults: 3}, errors.New("broker down"))

	outcomes, err := result.Wait(context.Background())
	assert.EqualError(t, err, "broker down")
	assert.Equal(t, Outcome{NumSuccess: 3, NumFaults: 1}, outcomes[types.TransportGRPC])
	assert.Equal(t, Outcome{NumFaults: 3}, outcomes[types.TransportMQTT])
}
