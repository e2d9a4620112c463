package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkin/internal/attendance"
)

func TestInMemory_PublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	evt := attendance.Event{ID: "123456-2025-03-10-1", AccountID: "123456", Kind: attendance.CheckIn, Sequence: 1}
	msg, err := RecordedMessage(evt)
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case got := <-ch:
		decoded, err := DecodeRecorded(got)
		require.NoError(t, err)
		assert.Equal(t, evt.ID, decoded.ID)
		assert.Equal(t, attendance.CheckIn, decoded.Kind)
	case <-time.After(time.Second):
		t.Fatal("no message consumed")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestInMemory_PublishRespectsContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Message{Type: TypeRecorded}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, Message{Type: TypeRecorded}), context.DeadlineExceeded)
}

func TestSerializeRoundTrip(t *testing.T) {
	msg := Message{Type: TypeRecorded, Body: []byte(`{"name":"a|b"}`)}
	assert.Equal(t, msg, deserialize(serialize(msg)))
	assert.Equal(t, Message{Body: []byte("raw")}, deserialize("raw"))
}

func TestDecodeRecorded_WrongType(t *testing.T) {
	_, err := DecodeRecorded(Message{Type: "other"})
	assert.Error(t, err)
}
