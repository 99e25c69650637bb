// Package connectivity combines host network presence with the transport's
// connection state into a single "usable" signal.
package connectivity

import (
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/status"
	"go.uber.org/zap"
)

// Change is the payload of connectivity.changed events.
type Change struct {
	Usable        bool
	NetworkOnline bool
	Transport     status.State
}

// Monitor reports the link as usable only when the host network is online
// and the transport is connected. Network coming back alone is not enough.
type Monitor struct {
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	// notifyMu serializes recomputation so listeners see changes in order.
	// Listeners must not call back into the Monitor synchronously.
	notifyMu sync.Mutex

	mu        sync.Mutex
	online    bool
	usable    bool
	listeners map[int]func(bool)
	next      int
	unsub     func()
}

// NewMonitor creates a monitor that follows machine's transitions on b.
// The network is assumed online until told otherwise.
func NewMonitor(machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		machine:   machine,
		bus:       b,
		logger:    logger,
		online:    true,
		listeners: make(map[int]func(bool)),
	}
	m.usable = m.online && machine.Current() == status.Connected
	m.unsub = b.Subscribe(bus.KindTransportStatus, func(bus.Event) { m.recompute() })
	return m
}

// SetNetworkOnline records host network presence.
func (m *Monitor) SetNetworkOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if changed {
		m.logger.Info("host network presence changed", zap.Bool("online", online))
		m.recompute()
	}
}

// NetworkOnline reports the last known host network presence.
func (m *Monitor) NetworkOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// TransportState returns the transport's current connection state.
func (m *Monitor) TransportState() status.State {
	return m.machine.Current()
}

// Usable reports whether messages can be published right now.
func (m *Monitor) Usable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usable
}

// Subscribe registers fn to be called with the new value each time the
// usable signal flips. Returns an unsubscribe function.
func (m *Monitor) Subscribe(fn func(usable bool)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Close detaches the monitor from the bus.
func (m *Monitor) Close() {
	if m.unsub != nil {
		m.unsub()
	}
}

func (m *Monitor) recompute() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	transport := m.machine.Current()
	m.mu.Lock()
	usable := m.online && transport == status.Connected
	if usable == m.usable {
		m.mu.Unlock()
		return
	}
	m.usable = usable
	online := m.online
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed",
		zap.Bool("usable", usable),
		zap.Bool("network_online", online),
		zap.String("transport", string(transport)),
	)
	for _, fn := range fns {
		fn(usable)
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindConnectivity,
		Timestamp: time.Now(),
		Payload:   Change{Usable: usable, NetworkOnline: online, Transport: transport},
	})
}
