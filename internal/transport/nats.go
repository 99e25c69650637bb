// Package transport carries pipeline messages over NATS. Each conversation is
// a subject prefix and each event kind a final subject token.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/supportchat/internal/status"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Publish while the connection is down.
var ErrNotConnected = errors.New("transport not connected")

// Options configures the NATS connection.
type Options struct {
	URL            string
	SubjectPrefix  string
	ClientName     string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	// MaxReconnects < 0 retries forever; zero uses the client default.
	MaxReconnects int
}

// NATS implements the pipeline transport on a single NATS connection. Its
// connection callbacks drive the transport status machine.
type NATS struct {
	nc      *nats.Conn
	prefix  string
	machine *status.Machine
	logger  *zap.Logger
}

// Dial connects to the NATS server. The initial connect is retried in the
// background, so Dial succeeds while the server is unreachable and the status
// machine reports CONNECTING until the link is up.
func Dial(opts Options, machine *status.Machine, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "supportchat"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = nats.DefaultMaxReconnect
	}

	t := &NATS{prefix: opts.SubjectPrefix, machine: machine, logger: logger}
	t.transition(status.Connecting)

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.ClientName),
		nats.Timeout(opts.ConnectTimeout),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		// No client-side buffering: while disconnected, publishes fail and the
		// pipeline queues instead.
		nats.ReconnectBufSize(-1),
		nats.ConnectHandler(func(*nats.Conn) {
			logger.Info("nats connected", zap.String("url", opts.URL))
			t.transition(status.Connected)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
			t.transition(status.Disconnected)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			t.transition(status.Connected)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
			t.transition(status.Closed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	if err != nil {
		t.transition(status.Disconnected)
		return nil, fmt.Errorf("connect to nats %s: %w", opts.URL, err)
	}
	t.nc = nc
	if nc.IsConnected() {
		t.transition(status.Connected)
	}
	return t, nil
}

// ChannelName returns the subject prefix for a conversation. Characters that
// are not valid inside a subject token are replaced with '_'.
func (t *NATS) ChannelName(conversationID string) string {
	return t.prefix + "." + sanitizeToken(conversationID)
}

// IsConnected reports whether the connection is currently up.
func (t *NATS) IsConnected() bool {
	return t.nc != nil && t.nc.IsConnected()
}

// Publish sends payload on <channel>.<event> and waits for the server to
// acknowledge the flush, bounded by ctx.
func (t *NATS) Publish(ctx context.Context, channel, event string, payload []byte) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	subj := subject(channel, event)
	if err := t.nc.Publish(subj, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subj, err)
	}
	t.logger.Debug("published", zap.String("subject", subj), zap.Int("bytes", len(payload)))
	return nil
}

// Subscribe delivers every payload published on <channel>.<event> to handler.
// Handlers run on the subscription's goroutine, one message at a time.
func (t *NATS) Subscribe(channel, event string, handler func([]byte)) (func(), error) {
	if t.nc == nil {
		return nil, ErrNotConnected
	}
	subj := subject(channel, event)
	sub, err := t.nc.Subscribe(subj, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}
	t.logger.Debug("subscribed", zap.String("subject", subj))
	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			t.logger.Warn("unsubscribe failed", zap.String("subject", subj), zap.Error(err))
		}
	}, nil
}

// Close drains pending subscriptions and closes the connection.
func (t *NATS) Close() error {
	if t.nc == nil {
		return nil
	}
	if t.nc.IsConnected() {
		if err := t.nc.Drain(); err != nil {
			t.nc.Close()
			return fmt.Errorf("drain nats: %w", err)
		}
		return nil
	}
	t.nc.Close()
	return nil
}

func (t *NATS) transition(to status.State) {
	if t.machine == nil {
		return
	}
	if err := t.machine.Transition(to); err != nil {
		t.logger.Debug("status transition ignored", zap.Error(err))
	}
}

func subject(channel, event string) string {
	return channel + "." + sanitizeToken(event)
}

func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
