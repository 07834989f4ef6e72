package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := NewInMemory(4)
	require.NoError(t, q.Publish(ctx, Message{Type: "share", Body: []byte("session-1")}))

	messages, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case msg := <-messages:
		assert.Equal(t, "share", msg.Type)
		assert.Equal(t, "session-1", string(msg.Body))
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestInMemoryPublishCancelled(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, q.Publish(ctx, Message{Type: "share", Body: []byte("a")}))
	cancel()

	// Queue full and context cancelled: publish must not block forever.
	err := q.Publish(ctx, Message{Type: "share", Body: []byte("b")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSerializeRoundTrip(t *testing.T) {
	msg := Message{Type: "share", Body: []byte("session-1")}
	got, err := deserialize(serialize(msg))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDeserializeBodyWithSeparator(t *testing.T) {
	got, err := deserialize("share|a|b")
	require.NoError(t, err)
	assert.Equal(t, "share", got.Type)
	assert.Equal(t, "a|b", string(got.Body))
}
