package outbox

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Poller periodically re-reads a conversation's queue and hands the snapshot
// to a callback. It backs up the queue.changed notifications.
type Poller struct {
	queue          *Queue
	conversationID string
	interval       time.Duration
	onSnapshot     func([]QueuedMessage)
	clock          clockwork.Clock
	logger         *zap.Logger
	cancel         context.CancelFunc
	done           chan struct{}
}

// NewPoller creates a poller. A non-positive interval defaults to 5s and a
// nil clock to wall time.
func NewPoller(q *Queue, conversationID string, interval time.Duration, onSnapshot func([]QueuedMessage), clk clockwork.Clock, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		queue:          q,
		conversationID: conversationID,
		interval:       interval,
		onSnapshot:     onSnapshot,
		clock:          clk,
		logger:         logger,
	}
}

// Start begins polling.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop stops the poller and waits for the loop to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			p.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	msgs, err := p.queue.ForConversation(ctx, p.conversationID)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to read offline queue", zap.Error(err), zap.String("conversation_id", p.conversationID))
		}
		return
	}
	p.onSnapshot(msgs)
}
