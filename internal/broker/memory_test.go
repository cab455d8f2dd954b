package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PeekDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	_, err := b.Send(ctx, "q", []byte("one"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msgs, err := b.Peek(ctx, "q", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, []byte("one"), msgs[0].Body)
		assert.Equal(t, 0, msgs[0].Attempt)
	}

	// Still receivable after peeking.
	msgs, err := b.Receive(ctx, "q", 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Attempt)
}

func TestMemory_ReceiveHidesUntilVisibilityExpires(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	_, err := b.Send(ctx, "q", []byte("payload"))
	require.NoError(t, err)

	first, err := b.Receive(ctx, "q", 1, 0, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// In flight: a second receive comes back empty.
	second, err := b.Receive(ctx, "q", 1, 0, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, second)

	stats, err := b.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Visible)
	assert.Equal(t, 1, stats.InFlight)

	// After the lease expires the message is redelivered with a fresh
	// receipt and a bumped attempt counter.
	time.Sleep(60 * time.Millisecond)
	third, err := b.Receive(ctx, "q", 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, first[0].ID, third[0].ID)
	assert.Equal(t, 2, third[0].Attempt)
	assert.NotEqual(t, first[0].ReceiptHandle, third[0].ReceiptHandle)
}

func TestMemory_DeleteIsPermanent(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	_, err := b.Send(ctx, "q", []byte("payload"))
	require.NoError(t, err)

	msgs, err := b.Receive(ctx, "q", 1, 0, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, b.Delete(ctx, "q", msgs[0].ReceiptHandle))

	// Gone even after the lease would have expired.
	time.Sleep(30 * time.Millisecond)
	again, err := b.Receive(ctx, "q", 1, 0, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMemory_DeleteWithStaleReceiptIsNoop(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	_, err := b.Send(ctx, "q", []byte("payload"))
	require.NoError(t, err)

	first, err := b.Receive(ctx, "q", 1, 0, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(20 * time.Millisecond)
	second, err := b.Receive(ctx, "q", 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)

	// The first lease's receipt no longer settles the message.
	require.NoError(t, b.Delete(ctx, "q", first[0].ReceiptHandle))
	peeked, err := b.Peek(ctx, "q", 10)
	require.NoError(t, err)
	assert.Empty(t, peeked) // in flight under the second lease

	require.NoError(t, b.Delete(ctx, "q", second[0].ReceiptHandle))
	stats, err := b.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Visible+stats.InFlight)
}

func TestMemory_RedriveMovesToDLQ(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	b.SetRedrive("q", 2, "q-dlq")

	_, err := b.Send(ctx, "q", []byte("poison"))
	require.NoError(t, err)

	// Two failed deliveries exhaust the limit.
	for i := 0; i < 2; i++ {
		msgs, err := b.Receive(ctx, "q", 1, 0, time.Millisecond)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "delivery %d", i+1)
		time.Sleep(5 * time.Millisecond)
	}

	// The third attempt dead-letters instead of delivering.
	msgs, err := b.Receive(ctx, "q", 1, 0, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	parked, err := b.Peek(ctx, "q-dlq", 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, []byte("poison"), parked[0].Body)
}

func TestMemory_ReceiveBatchAndLongPoll(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()

	for i := 0; i < 5; i++ {
		_, err := b.Send(ctx, "q", []byte{byte(i)})
		require.NoError(t, err)
	}

	msgs, err := b.Receive(ctx, "q", 3, 0, time.Minute)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	// Long poll picks up a message published mid-wait.
	empty := NewMemory()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = empty.Send(context.Background(), "q", []byte("late"))
	}()
	late, err := empty.Receive(ctx, "q", 1, 200*time.Millisecond, time.Minute)
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, []byte("late"), late[0].Body)
}
