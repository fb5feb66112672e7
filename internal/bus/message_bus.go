package bus

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

// MessageBus connects channels to the gateway. Channels push to Inbound; the gateway
// pushes replies to Outbound and DispatchOutbound routes them by channel name.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
	logger      *log.Logger
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
		logger:      log.Default().WithPrefix("bus"),
	}
}

// SetLogger replaces the logger used for undeliverable messages.
func (b *MessageBus) SetLogger(logger *log.Logger) {
	if logger != nil {
		b.logger = logger.WithPrefix("bus")
	}
}

// SubscribeOutbound registers the sender for one channel. A later call replaces it.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

// DispatchOutbound delivers outbound messages until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.Outbound:
			b.mu.RLock()
			fn, ok := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if !ok {
				b.logger.Warn("no subscriber for outbound message", "channel", msg.Channel, "chat", msg.ChatID)
				continue
			}
			fn(msg)
		}
	}
}
