// Package pipeline orchestrates message delivery for one conversation: rate
// limiting, optional encryption, publishing or offline queueing, queue flushes
// on reconnection, and inbound ingestion with echo suppression, dedup and
// decryption.
package pipeline

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/encryption"
	"github.com/matheus3301/supportchat/internal/outbox"
	"go.uber.org/zap"
)

// Queue is the durable offline store. *outbox.Queue implements it.
type Queue interface {
	QueueMessage(ctx context.Context, req outbox.QueueRequest) (*outbox.QueuedMessage, error)
	ForConversation(ctx context.Context, conversationID string) ([]outbox.QueuedMessage, error)
	Get(ctx context.Context, id string) (*outbox.QueuedMessage, error)
	UpdateStatus(ctx context.Context, id string, status outbox.Status, errMsg string) error
	Remove(ctx context.Context, id string) error
}

// KeyManager owns encryption keys. *encryption.Manager implements it.
type KeyManager interface {
	HasKey(conversationID string) bool
	SetupEncryption(conversationID string) (int, error)
	CurrentVersion(conversationID string) (int, bool)
	ShouldRotate(conversationID string, period time.Duration) bool
	Rotate(conversationID string) (int, error)
	Encrypt(conversationID, plaintext string) (encryption.Envelope, error)
	Decrypt(conversationID string, env encryption.Envelope) (string, error)
	Forget(conversationID string)
}

// RateLimiter gates send intents. *ratelimit.Limiter implements it.
type RateLimiter interface {
	CheckAction() bool
	TimeRemaining() time.Duration
	Reset()
}

// Connectivity reports whether the link is usable. *connectivity.Monitor implements it.
type Connectivity interface {
	Usable() bool
	Subscribe(fn func(usable bool)) func()
}

// Config describes the conversation and the local participant.
type Config struct {
	ConversationID string
	SelfID         string
	SelfType       SenderType
	DisplayName    string

	// Encryption requests end-to-end encryption for the session.
	Encryption bool
	// RotationPeriod is the maximum key age.
	RotationPeriod time.Duration
	// RotationCheckInterval defaults to a tenth of RotationPeriod.
	RotationCheckInterval time.Duration
	// QueuePollInterval is the fallback queue refresh cadence.
	QueuePollInterval time.Duration
	// CountdownInterval is how often observers hear the rate-limit countdown.
	CountdownInterval time.Duration
	// PublishTimeout bounds a single transport publish.
	PublishTimeout time.Duration
}

// Deps are the collaborators a pipeline is built from.
type Deps struct {
	Transport    Transport
	Queue        Queue
	Keys         KeyManager
	Limiter      RateLimiter
	Connectivity Connectivity
	Bus          *bus.Bus
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

// State holds the observable flags of a pipeline.
type State struct {
	IsLoading              bool
	IsEncrypted            bool
	IsRateLimited          bool
	RateLimitTimeRemaining time.Duration
	CurrentKeyVersion      int
}

// Snapshot is what observers receive on every change.
type Snapshot struct {
	Messages []ChatMessage
	State    State
}

// Pipeline is the per-conversation delivery orchestrator.
type Pipeline struct {
	cfg       Config
	transport Transport
	queue     Queue
	keys      KeyManager
	limiter   RateLimiter
	conn      Connectivity
	bus       *bus.Bus
	clock     clockwork.Clock
	logger    *zap.Logger
	channel   string

	// mu guards the visible list and the flags below. The list is never
	// modified in place; every change swaps in a new slice.
	mu          sync.Mutex
	messages    []ChatMessage
	queued      map[string]bool
	loading     bool
	encrypted   bool
	keyVersion  int
	countdownOn bool

	// flushMu serializes everything that writes the offline queue or
	// publishes: flushes, direct sends, Retry and Discard. While it is held
	// the queued set matches the store.
	flushMu sync.Mutex

	notifyMu  sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int

	ctx     context.Context
	cancel  context.CancelFunc
	unsubs  []func()
	poller  *outbox.Poller
	started bool
	closeMu sync.Once

	// bgMu orders wg.Add against the Wait in Close.
	bgMu   sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New builds a pipeline. Start must be called before sending.
func New(cfg Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := deps.Bus
	if b == nil {
		b = bus.New(logger)
	}
	if cfg.SelfType == "" {
		cfg.SelfType = SenderCustomer
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.CountdownInterval <= 0 {
		cfg.CountdownInterval = time.Second
	}
	clk := deps.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:       cfg,
		transport: deps.Transport,
		queue:     deps.Queue,
		keys:      deps.Keys,
		limiter:   deps.Limiter,
		conn:      deps.Connectivity,
		bus:       b,
		clock:     clk,
		logger:    logger.With(zap.String("conversation_id", cfg.ConversationID)),
		channel:   deps.Transport.ChannelName(cfg.ConversationID),
		queued:    make(map[string]bool),
		loading:   true,
		observers: make(map[int]func(Snapshot)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Messages returns the current visible list, oldest first.
func (p *Pipeline) Messages() []ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.messages)
}

// Message returns one visible message by id.
func (p *Pipeline) Message(id string) (ChatMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := indexOf(p.messages, id)
	if i < 0 {
		return ChatMessage{}, false
	}
	return p.messages[i], true
}

// State returns the observable flags.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Pipeline) stateLocked() State {
	var remaining time.Duration
	if p.limiter != nil {
		remaining = p.limiter.TimeRemaining()
	}
	return State{
		IsLoading:              p.loading,
		IsEncrypted:            p.encrypted,
		IsRateLimited:          remaining > 0,
		RateLimitTimeRemaining: remaining,
		CurrentKeyVersion:      p.keyVersion,
	}
}

// Subscribe registers an observer called after every change to the visible
// list or the flags. Observers must not block.
func (p *Pipeline) Subscribe(fn func(Snapshot)) func() {
	p.notifyMu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.notifyMu.Unlock()
	return func() {
		p.notifyMu.Lock()
		delete(p.observers, id)
		p.notifyMu.Unlock()
	}
}

// Clear empties the visible list and the rate-limit history, e.g. when the
// session is reset. The offline queue is untouched.
func (p *Pipeline) Clear() {
	if p.limiter != nil {
		p.limiter.Reset()
	}
	p.update(func([]ChatMessage) []ChatMessage { return nil })
}

// Start runs the startup sequence: key setup, queued message load, an
// initial flush when the link is usable, then background tasks.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	if p.cfg.Encryption {
		p.setupEncryption()
	}

	p.loadQueued(ctx)

	if err := p.subscribeTransport(); err != nil {
		return err
	}
	p.unsubs = append(p.unsubs,
		p.conn.Subscribe(p.onConnectivity),
		p.bus.Subscribe(bus.KindQueueChanged, p.onQueueChanged),
	)

	if p.usable() {
		if err := p.Flush(ctx); err != nil {
			p.logger.Warn("initial flush incomplete", zap.Error(err))
		}
	}

	p.startBackground()

	p.mu.Lock()
	p.loading = false
	st := p.stateLocked()
	p.mu.Unlock()
	p.notify()
	p.bus.Publish(bus.Event{Kind: bus.KindPipelineState, Timestamp: p.clock.Now(), Payload: st})
	p.logger.Info("pipeline ready")
	return nil
}

// Close tears the pipeline down: timers stop, subscriptions are released and
// in-flight background work is awaited.
func (p *Pipeline) Close() {
	p.closeMu.Do(func() {
		p.bgMu.Lock()
		p.closed = true
		p.bgMu.Unlock()

		p.cancel()
		for _, unsub := range p.unsubs {
			unsub()
		}
		if p.poller != nil {
			p.poller.Stop()
		}
		p.wg.Wait()
		if p.keys != nil {
			p.keys.Forget(p.cfg.ConversationID)
		}
		p.logger.Info("pipeline closed")
	})
}

func (p *Pipeline) setupEncryption() {
	v, err := p.keys.SetupEncryption(p.cfg.ConversationID)
	if err != nil {
		p.logger.Error("encryption setup failed; sending in plaintext", zap.Error(err))
		return
	}
	p.mu.Lock()
	p.encrypted = true
	p.keyVersion = v
	p.mu.Unlock()
}

func (p *Pipeline) subscribeTransport() error {
	unsubMsg, err := p.transport.Subscribe(p.channel, EventMessage, p.onInbound)
	if err != nil {
		return &TransportError{Channel: p.channel, Err: err}
	}
	unsubRcpt, err := p.transport.Subscribe(p.channel, EventDelivered, p.onReceipt)
	if err != nil {
		unsubMsg()
		return &TransportError{Channel: p.channel, Err: err}
	}
	p.unsubs = append(p.unsubs, unsubMsg, unsubRcpt)
	return nil
}

func (p *Pipeline) usable() bool {
	return p.conn.Usable() && p.transport.IsConnected()
}

// goBackground runs fn on a tracked goroutine unless the pipeline is closed.
func (p *Pipeline) goBackground(fn func(ctx context.Context)) {
	p.bgMu.Lock()
	if p.closed {
		p.bgMu.Unlock()
		return
	}
	p.wg.Add(1)
	p.bgMu.Unlock()
	go func() {
		defer p.wg.Done()
		fn(p.ctx)
	}()
}

// update applies a list transform under the lock and notifies observers.
func (p *Pipeline) update(transform func([]ChatMessage) []ChatMessage) {
	p.mu.Lock()
	p.messages = transform(p.messages)
	p.mu.Unlock()
	p.notify()
}

// setStatus patches the status of one visible message.
func (p *Pipeline) setStatus(id string, s Status) {
	p.update(func(list []ChatMessage) []ChatMessage {
		return patch(list, id, func(m ChatMessage) ChatMessage {
			m.Status = s
			return m
		})
	})
}

func (p *Pipeline) notify() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	if len(p.observers) == 0 {
		return
	}
	snap := Snapshot{Messages: p.Messages(), State: p.State()}
	ids := make([]int, 0, len(p.observers))
	for id := range p.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		p.observers[id](snap)
	}
}

// appendMessage returns list with m appended, leaving list untouched.
func appendMessage(list []ChatMessage, m ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(list), len(list)+1)
	copy(out, list)
	return append(out, m)
}

// patch returns a copy of list with fn applied to the message with the given id.
func patch(list []ChatMessage, id string, fn func(ChatMessage) ChatMessage) []ChatMessage {
	i := indexOf(list, id)
	if i < 0 {
		return list
	}
	out := slices.Clone(list)
	out[i] = fn(out[i])
	return out
}

func indexOf(list []ChatMessage, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
