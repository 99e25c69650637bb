package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func enqueue(t *testing.T, q *Queue, conv, text string) *QueuedMessage {
	t.Helper()
	m, err := q.QueueMessage(context.Background(), QueueRequest{
		ConversationID: conv, Text: text, UserID: "u1", Role: "customer", DisplayName: "Ann",
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestQueueMessage(t *testing.T) {
	q := NewQueue(testDB(t), bus.New(nil), nil)

	m := enqueue(t, q, "c1", "hi")
	if m.ID == "" {
		t.Error("ID not generated")
	}
	if m.Status != StatusQueued {
		t.Errorf("status = %q, want queued", m.Status)
	}
	if m.DisplayName != "Ann" || m.Role != "customer" {
		t.Errorf("got %+v", m)
	}
}

func TestForConversationOrderAndRestart(t *testing.T) {
	q := NewQueue(testDB(t), bus.New(nil), nil)
	ctx := context.Background()

	enqueue(t, q, "c1", "one")
	enqueue(t, q, "c2", "elsewhere")
	enqueue(t, q, "c1", "two")
	enqueue(t, q, "c1", "three")

	for range 2 {
		msgs, err := q.ForConversation(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		var texts []string
		for _, m := range msgs {
			texts = append(texts, m.Text)
		}
		if len(texts) != 3 || texts[0] != "one" || texts[1] != "two" || texts[2] != "three" {
			t.Fatalf("texts = %v, want [one two three]", texts)
		}
	}
}

func TestUpdateStatusAndRemove(t *testing.T) {
	q := NewQueue(testDB(t), bus.New(nil), nil)
	ctx := context.Background()
	m := enqueue(t, q, "c1", "hi")

	if err := q.UpdateStatus(ctx, m.ID, StatusSending, ""); err != nil {
		t.Fatal(err)
	}
	got, err := q.Get(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusSending || got.Attempts != 1 {
		t.Errorf("got status=%s attempts=%d, want sending/1", got.Status, got.Attempts)
	}

	if err := q.Remove(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	msgs, err := q.ForConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages after remove, want 0", len(msgs))
	}

	if err := q.Remove(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() err = %v, want ErrNotFound", err)
	}
	if err := q.UpdateStatus(ctx, m.ID, StatusSent, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus() on removed err = %v, want ErrNotFound", err)
	}
}

func TestChangeNotifications(t *testing.T) {
	b := bus.New(nil)
	q := NewQueue(testDB(t), b, nil)
	ctx := context.Background()

	var changes []Change
	unsub := b.Subscribe(bus.KindQueueChanged, func(evt bus.Event) {
		changes = append(changes, evt.Payload.(Change))
	})
	defer unsub()

	m := enqueue(t, q, "c1", "hi")
	if err := q.UpdateStatus(ctx, m.ID, StatusSending, ""); err != nil {
		t.Fatal(err)
	}
	if err := q.Remove(ctx, m.ID); err != nil {
		t.Fatal(err)
	}

	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	if changes[0].Status != StatusQueued || changes[1].Status != StatusSending || !changes[2].Removed {
		t.Errorf("changes = %+v", changes)
	}
	for _, c := range changes {
		if c.ConversationID != "c1" || c.MessageID != m.ID {
			t.Errorf("change = %+v, want c1/%s", c, m.ID)
		}
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	enqueue(t, NewQueue(db, nil, nil), "c1", "survivor")
	_ = db.Close()

	db, err = store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	msgs, err := NewQueue(db, nil, nil).ForConversation(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text != "survivor" {
		t.Errorf("got %+v, want one survivor", msgs)
	}
}

func TestStoreErrorOnClosedDB(t *testing.T) {
	db := testDB(t)
	q := NewQueue(db, nil, nil)
	_ = db.Close()

	_, err := q.QueueMessage(context.Background(), QueueRequest{ConversationID: "c1", Text: "x"})
	var se *StoreError
	if !errors.As(err, &se) {
		t.Errorf("err = %v, want *StoreError", err)
	}
}

func TestPollerDeliversSnapshots(t *testing.T) {
	q := NewQueue(testDB(t), nil, nil)
	enqueue(t, q, "c1", "polled")

	fc := clockwork.NewFakeClock()
	snaps := make(chan []QueuedMessage, 4)
	p := NewPoller(q, "c1", time.Second, func(msgs []QueuedMessage) {
		snaps <- msgs
	}, fc, nil)
	p.Start(context.Background())
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}

	select {
	case <-snaps:
		t.Fatal("snapshot delivered before the interval elapsed")
	default:
	}

	fc.Advance(time.Second)
	select {
	case got := <-snaps:
		if len(got) != 1 || got[0].Text != "polled" {
			t.Errorf("snapshot = %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("poller delivered no snapshot after one interval")
	}
}
