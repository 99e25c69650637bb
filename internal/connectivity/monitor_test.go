package connectivity

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/status"
)

func newTestMonitor(t *testing.T) (*Monitor, *status.Machine, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	machine := status.NewMachine(b)
	m := NewMonitor(machine, b, nil)
	t.Cleanup(m.Close)
	return m, machine, b
}

func TestUsableRequiresBoth(t *testing.T) {
	m, machine, _ := newTestMonitor(t)

	if m.Usable() {
		t.Fatal("usable while transport disconnected")
	}
	if err := machine.Transition(status.Connected); err != nil {
		t.Fatal(err)
	}
	if !m.Usable() {
		t.Fatal("not usable with network online and transport connected")
	}
	m.SetNetworkOnline(false)
	if m.Usable() {
		t.Fatal("usable while network offline")
	}
}

func TestNetworkBackBeforeTransport(t *testing.T) {
	m, machine, _ := newTestMonitor(t)
	walk(t, machine, status.Connected)

	var signals []bool
	m.Subscribe(func(u bool) { signals = append(signals, u) })

	m.SetNetworkOnline(false)
	walk(t, machine, status.Disconnected)
	m.SetNetworkOnline(true)
	if m.Usable() {
		t.Fatal("usable after network returned but before transport reconnected")
	}
	walk(t, machine, status.Connecting)
	walk(t, machine, status.Connected)

	want := []bool{false, true}
	if len(signals) != len(want) || signals[0] != want[0] || signals[1] != want[1] {
		t.Errorf("signals = %v, want %v", signals, want)
	}
}

func TestConnectivityEvent(t *testing.T) {
	m, machine, b := newTestMonitor(t)
	var changes []Change
	b.Subscribe(bus.KindConnectivity, func(evt bus.Event) { changes = append(changes, evt.Payload.(Change)) })

	walk(t, machine, status.Connected)
	m.SetNetworkOnline(true) // unchanged

	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(changes))
	}
	if !changes[0].Usable || changes[0].Transport != status.Connected {
		t.Errorf("change = %+v", changes[0])
	}
}

func TestUnsubscribe(t *testing.T) {
	m, machine, _ := newTestMonitor(t)
	var calls int
	unsub := m.Subscribe(func(bool) { calls++ })
	unsub()
	walk(t, machine, status.Connected)
	if calls != 0 {
		t.Errorf("listener called %d times after unsubscribe", calls)
	}
}

func TestProberSetsPresence(t *testing.T) {
	m, _, _ := newTestMonitor(t)

	fail := func(context.Context, string, string) (net.Conn, error) { return nil, errors.New("unreachable") }
	p := NewProber(m, "example:443", 0, 0, fail, nil)
	if p.Probe(context.Background()) {
		t.Error("Probe() = true with failing dialer")
	}
	if m.NetworkOnline() {
		t.Error("network still online after failed probe")
	}

	ok := func(context.Context, string, string) (net.Conn, error) {
		c1, c2 := net.Pipe()
		_ = c2.Close()
		return c1, nil
	}
	p = NewProber(m, "example:443", 0, 0, ok, nil)
	if !p.Probe(context.Background()) {
		t.Error("Probe() = false with working dialer")
	}
	if !m.NetworkOnline() {
		t.Error("network offline after successful probe")
	}
}

func walk(t *testing.T, machine *status.Machine, to status.State) {
	t.Helper()
	if err := machine.Transition(to); err != nil {
		t.Fatal(err)
	}
}
