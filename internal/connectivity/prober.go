package connectivity

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// DialFunc opens a connection; it matches (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Prober derives host network presence by periodically dialing a known address.
type Prober struct {
	monitor  *Monitor
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProber creates a prober for addr (host:port). A nil dial uses net.Dialer.
func NewProber(monitor *Monitor, addr string, interval, timeout time.Duration, dial DialFunc, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		monitor:  monitor,
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		dial:     dial,
		logger:   logger,
	}
}

// Probe dials once and records the result on the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	dctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(dctx, "tcp", p.addr)
	if conn != nil {
		_ = conn.Close()
	}
	if ctx.Err() != nil {
		// Shutting down; a cancelled dial says nothing about the network.
		return false
	}
	online := err == nil
	if err != nil {
		p.logger.Debug("network probe failed", zap.String("addr", p.addr), zap.Error(err))
	}
	p.monitor.SetNetworkOnline(online)
	return online
}

// Start probes immediately and then on every interval.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.Probe(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops probing.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}
