package transport

import (
	"context"
	"errors"
	"testing"
)

func TestChannelNameAndSubject(t *testing.T) {
	tr := &NATS{prefix: "supportchat"}

	tests := []struct {
		conv, event, want string
	}{
		{"c1", "message", "supportchat.c1.message"},
		{"c1", "delivered", "supportchat.c1.delivered"},
		{"conv.with.dots", "message", "supportchat.conv_with_dots.message"},
		{"a b*c>", "message", "supportchat.a_b_c_.message"},
		{"", "message", "supportchat._.message"},
	}
	for _, tt := range tests {
		got := subject(tr.ChannelName(tt.conv), tt.event)
		if got != tt.want {
			t.Errorf("subject(%q, %q) = %q, want %q", tt.conv, tt.event, got, tt.want)
		}
	}
}

func TestUnconnectedTransport(t *testing.T) {
	tr := &NATS{prefix: "supportchat"}

	if tr.IsConnected() {
		t.Error("IsConnected() = true without a connection")
	}
	if err := tr.Publish(context.Background(), "supportchat.c1", "message", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() err = %v, want ErrNotConnected", err)
	}
	if _, err := tr.Subscribe("supportchat.c1", "message", func([]byte) {}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() err = %v, want ErrNotConnected", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close() err = %v", err)
	}
}
