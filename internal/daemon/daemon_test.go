package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/supportchat/internal/api"
	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/config"
	"github.com/matheus3301/supportchat/internal/connectivity"
	"github.com/matheus3301/supportchat/internal/encryption"
	"github.com/matheus3301/supportchat/internal/lock"
	"github.com/matheus3301/supportchat/internal/outbox"
	"github.com/matheus3301/supportchat/internal/pipeline"
	"github.com/matheus3301/supportchat/internal/ratelimit"
	"github.com/matheus3301/supportchat/internal/status"
	"github.com/matheus3301/supportchat/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// loopback is an in-process transport that delivers publishes to local
// subscribers.
type loopback struct {
	mu        sync.Mutex
	connected bool
	subs      map[string][]func([]byte)
	published int
}

func (l *loopback) Publish(_ context.Context, channel, event string, payload []byte) error {
	l.mu.Lock()
	l.published++
	hs := append([]func([]byte){}, l.subs[channel+"."+event]...)
	l.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (l *loopback) Subscribe(channel, event string, handler func([]byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[string][]func([]byte))
	}
	key := channel + "." + event
	l.subs[key] = append(l.subs[key], handler)
	return func() {}, nil
}

func (l *loopback) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *loopback) ChannelName(conversationID string) string { return "test." + conversationID }

func (l *loopback) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.published
}

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "chatd-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	sessionDir := filepath.Join(tmpDir, "test")
	socketPath := filepath.Join(sessionDir, "d.sock")

	lk, err := lock.Acquire(sessionDir, "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(sessionDir, "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger, _ := zap.NewDevelopment()
	b := bus.New(logger)
	machine := status.NewMachine(b)
	monitor := connectivity.NewMonitor(machine, b, logger)
	defer monitor.Close()
	tr := &loopback{}

	pl := pipeline.New(pipeline.Config{
		ConversationID: "c1",
		SelfID:         "cust-1",
		Encryption:     true,
	}, pipeline.Deps{
		Transport:    tr,
		Queue:        outbox.NewQueue(db, b, logger),
		Keys:         encryption.NewManager(db, nil, encryption.Options{Logger: logger}),
		Limiter:      ratelimit.New(ratelimit.DefaultConfig(), nil),
		Connectivity: monitor,
		Bus:          b,
		Logger:       logger,
	})
	if err := pl.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pl.Close()

	srv, err := NewServer(Params{SessionName: "test", SocketPath: socketPath, Config: config.Default()},
		logger, api.NewHandler("test", "c1", pl, monitor, logger))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()

	c := api.NewClient(socketPath)
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Offline: the send is queued.
	var queued *pipeline.ChatMessage
	for range 50 {
		queued, err = c.Send(ctx, "while offline", true)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if queued.Status != pipeline.StatusQueued || !queued.Encrypted {
		t.Errorf("offline send = %+v, want encrypted queued", queued)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Usable || st.Transport != string(status.Disconnected) || !st.Encrypted {
		t.Errorf("status = %+v", st)
	}

	// Reconnect: the queue drains.
	tr.mu.Lock()
	tr.connected = true
	tr.mu.Unlock()
	if err := machine.Transition(status.Connected); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for tr.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	msgs, err := c.Messages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Status != pipeline.StatusSent || msgs[0].Content != "while offline" {
		t.Errorf("messages = %+v", msgs)
	}

	var apiErr *api.APIError
	if err := c.Retry(ctx, "missing"); !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Errorf("Retry(missing) err = %v, want 404", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	srv.Stop(stopCtx)
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket still present after Stop: %v", err)
	}
}

func TestModuleGraph(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{SessionName: "main", ConversationID: "c1"})); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}
