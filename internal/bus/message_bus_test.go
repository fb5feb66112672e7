package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboundMessage_Keys(t *testing.T) {
	m := InboundMessage{Channel: "telegram", SenderID: "42", ChatID: "-100"}
	assert.Equal(t, "telegram:-100", m.SessionKey())
	assert.Equal(t, "telegram:42", m.UserID())
}

func TestDispatchOutbound_RoutesByChannel(t *testing.T) {
	b := NewMessageBus(10)
	got := make(chan OutboundMessage, 2)
	b.SubscribeOutbound("telegram", func(m OutboundMessage) { got <- m })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx)
		close(done)
	}()

	b.Outbound <- OutboundMessage{Channel: "nowhere", ChatID: "1", Content: "dropped"}
	b.Outbound <- OutboundMessage{Channel: "telegram", ChatID: "1", Content: "hello"}

	select {
	case m := <-got:
		assert.Equal(t, "hello", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not stop")
	}
	require.Empty(t, got)
}

func TestSubscribeOutbound_Replaces(t *testing.T) {
	b := NewMessageBus(1)
	var first, second atomic.Int32
	b.SubscribeOutbound("cli", func(OutboundMessage) { first.Add(1) })
	b.SubscribeOutbound("cli", func(OutboundMessage) { second.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Outbound <- OutboundMessage{Channel: "cli"}
	require.Eventually(t, func() bool { return second.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load())
}
