package bus

import "time"

// Event kinds published by the delivery pipeline and its collaborators.
const (
	KindMessageSent      = "message.sent"
	KindMessageDelivered = "message.delivered"
	KindMessageFailed    = "message.failed"
	KindMessageQueued    = "message.queued"
	KindMessageReceived  = "message.received"
	KindRateLimited      = "ratelimit.triggered"
	KindRateLimitCleared = "ratelimit.cleared"
	KindKeyRotated       = "key.rotated"
	KindQueueChanged     = "queue.changed"
	KindTransportStatus  = "transport.status_changed"
	KindConnectivity     = "connectivity.changed"
	KindPipelineState    = "pipeline.state"
)

// Wildcard matches every event kind.
const Wildcard = "*"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
