package store

import (
	"bytes"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 || result.From != 2 {
		t.Errorf("from %d to %d, want 2 to 2 (queue + keys)", result.From, result.Version)
	}
}

func TestMigrateFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.From != 0 || result.Version != 2 {
		t.Errorf("result = %+v, want changed from 0 to 2", result)
	}
}

func TestQueueFIFOPerConversation(t *testing.T) {
	db := testDB(t)

	for _, m := range []*QueuedMessage{
		{MsgID: "a1", ConversationID: "c1", Body: "first", UserID: "u", Role: "customer", Status: "queued"},
		{MsgID: "b1", ConversationID: "c2", Body: "other", UserID: "u", Role: "customer", Status: "queued"},
		{MsgID: "a2", ConversationID: "c1", Body: "second", UserID: "u", Role: "customer", Status: "queued"},
	} {
		if err := db.InsertQueued(m); err != nil {
			t.Fatal(err)
		}
		if m.Seq == 0 {
			t.Errorf("seq not assigned for %s", m.MsgID)
		}
	}

	msgs, err := db.ListQueued("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d queued, want 2", len(msgs))
	}
	if msgs[0].MsgID != "a1" || msgs[1].MsgID != "a2" {
		t.Errorf("order = [%s %s], want [a1 a2]", msgs[0].MsgID, msgs[1].MsgID)
	}
}

func TestQueueStatusAndDelete(t *testing.T) {
	db := testDB(t)

	m := &QueuedMessage{MsgID: "m1", ConversationID: "c1", Body: "hi", UserID: "u", Role: "customer", Status: "queued"}
	if err := db.InsertQueued(m); err != nil {
		t.Fatal(err)
	}

	ok, err := db.SetQueuedStatus("m1", "sending", "")
	if err != nil || !ok {
		t.Fatalf("SetQueuedStatus() = %v, %v", ok, err)
	}
	if _, err := db.SetQueuedStatus("m1", "failed", "timeout"); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetQueued("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "failed" || got.ErrorMessage != "timeout" {
		t.Errorf("got status=%q err=%q, want failed/timeout", got.Status, got.ErrorMessage)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}

	ok, err = db.DeleteQueued("m1")
	if err != nil || !ok {
		t.Fatalf("DeleteQueued() = %v, %v", ok, err)
	}
	got, err = db.GetQueued("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("message still present after delete")
	}

	ok, err = db.SetQueuedStatus("missing", "sent", "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("SetQueuedStatus on missing id reported a change")
	}
}

func TestQueueDuplicateID(t *testing.T) {
	db := testDB(t)
	m := &QueuedMessage{MsgID: "dup", ConversationID: "c1", Body: "x", UserID: "u", Role: "customer", Status: "queued"}
	if err := db.InsertQueued(m); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertQueued(m); err == nil {
		t.Error("inserting a duplicate msg_id should fail")
	}
}

func TestKeysCurrentFlag(t *testing.T) {
	db := testDB(t)

	if err := db.InsertKey(&KeyRecord{ConversationID: "c1", Version: 1, Material: []byte{1}, Current: true, CreatedAt: 10}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertKey(&KeyRecord{ConversationID: "c1", Version: 2, Material: []byte{2}, Current: true, CreatedAt: 20}); err != nil {
		t.Fatal(err)
	}

	keys, err := db.ListKeys("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	if keys[0].Version != 2 || !keys[0].Current {
		t.Errorf("newest = v%d current=%v, want v2 current", keys[0].Version, keys[0].Current)
	}
	if keys[1].Current {
		t.Error("v1 still flagged current")
	}
	if !bytes.Equal(keys[1].Material, []byte{1}) {
		t.Errorf("v1 material = %v", keys[1].Material)
	}

	if err := db.DeleteKeysBelow("c1", 2); err != nil {
		t.Fatal(err)
	}
	keys, err = db.ListKeys("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].Version != 2 {
		t.Errorf("after prune got %v, want only v2", keys)
	}
}
