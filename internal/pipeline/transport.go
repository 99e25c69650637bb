package pipeline

import "context"

// Transport event names used on a conversation channel.
const (
	EventMessage   = "message"
	EventDelivered = "delivered"
)

// Transport is the realtime publish/subscribe channel to the chat server.
// Delivery is assumed FIFO per channel.
type Transport interface {
	Publish(ctx context.Context, channel, event string, payload []byte) error
	Subscribe(channel, event string, handler func(payload []byte)) (unsubscribe func(), err error)
	IsConnected() bool
	ChannelName(conversationID string) string
}
