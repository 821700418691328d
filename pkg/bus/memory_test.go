package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	received := make(chan []byte, 1)
	_, err := b.Subscribe("test.subject", func(msg *Msg) {
		received <- msg.Data
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish("test.subject", []byte("hello")))
	assert.Equal(t, []byte("hello"), <-received)
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	count := 0
	sub, err := b.Subscribe("s", func(msg *Msg) { count++ })
	require.NoError(t, err)

	require.NoError(t, b.Publish("s", nil))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish("s", nil))

	assert.Equal(t, 1, count)
}

func TestMemoryRequestReply(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	_, err := b.Subscribe("echo", func(msg *Msg) {
		_ = msg.Respond(append([]byte("re: "), msg.Data...))
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := b.Request(ctx, "echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("re: ping"), resp)
}

func TestMemoryRequestNoResponders(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Request(ctx, "nobody.home", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMemoryClosedRejectsPublish(t *testing.T) {
	b := NewMemory()
	require.NoError(t, b.Close())

	err := b.Publish("s", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}
