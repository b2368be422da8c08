// Package monitor keeps a passive connection open to every device that is
// not under exclusive control and relays whatever the device prints.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/hashset"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/high-horse/fingerprint-fleet/internal/devlog"
	"github.com/high-horse/fingerprint-fleet/internal/metrics"
)

// Fleet is what the pool needs from the registry.
type Fleet interface {
	// Monitored lists addresses that should have a connection.
	Monitored() []string
	// Excluded reports whether addr is leased or being leased.
	Excluded(addr string) bool
}

type Config struct {
	Interval    time.Duration
	DialTimeout time.Duration
	ReadTimeout time.Duration
	// MaxDials bounds concurrent connection attempts per cycle.
	MaxDials int
}

func DefaultConfig() Config {
	return Config{
		Interval:    500 * time.Millisecond,
		DialTimeout: time.Second,
		ReadTimeout: 100 * time.Millisecond,
		MaxDials:    8,
	}
}

type conn struct {
	addr    string
	c       net.Conn
	r       *bufio.Reader
	partial strings.Builder
}

// Pool is the continuous monitor. Run drives it; Drop may be called from any
// goroutine.
type Pool struct {
	cfg     Config
	fleet   Fleet
	target  func(addr string) string
	sink    devlog.Sink
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*conn
}

// New builds a pool. target maps a registry address to a dial target, the
// same way the command client does.
func New(cfg Config, fleet Fleet, target func(string) string, sink devlog.Sink, log *slog.Logger, m *metrics.Metrics) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxDials <= 0 {
		cfg.MaxDials = 1
	}
	return &Pool{
		cfg:     cfg,
		fleet:   fleet,
		target:  target,
		sink:    sink,
		log:     log.With("component", "monitor"),
		metrics: m,
		conns:   make(map[string]*conn),
	}
}

// Run cycles until ctx is cancelled, then closes every connection.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("continuous monitor started", "interval", p.cfg.Interval)
	defer p.closeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.cycle(ctx)
		select {
		case <-ctx.Done():
			p.log.Info("continuous monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Drop closes the connection to addr, if any. The next cycle reopens it
// unless addr is excluded by then.
func (p *Pool) Drop(addr string) {
	p.mu.Lock()
	c, ok := p.conns[addr]
	if ok {
		delete(p.conns, addr)
	}
	n := len(p.conns)
	p.mu.Unlock()

	if !ok {
		return
	}
	c.c.Close()
	p.metrics.SetMonitorConnections(n)
	p.metrics.IncMonitorDisconnect("dropped")
	devlog.Emitf(p.sink, devlog.KindConnection, addr, "disconnected (selected for manage mode)")
}

// Connected reports whether the pool holds a connection to addr.
func (p *Pool) Connected(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[addr]
	return ok
}

// Addresses returns the monitored addresses in sorted order.
func (p *Pool) Addresses() []string {
	p.mu.Lock()
	keys := maps.Keys(p.conns)
	p.mu.Unlock()
	slices.Sort(keys)
	return keys
}

func (p *Pool) cycle(ctx context.Context) {
	desired := hashset.New()
	for _, addr := range p.fleet.Monitored() {
		desired.Add(addr)
	}

	p.connectMissing(ctx, desired)
	p.closeUndesired(desired)
	p.readAll()
}

func (p *Pool) connectMissing(ctx context.Context, desired *hashset.Set) {
	var g errgroup.Group
	g.SetLimit(p.cfg.MaxDials)

	for _, v := range desired.Values() {
		addr := v.(string)
		if p.Connected(addr) {
			continue
		}
		g.Go(func() error {
			p.connect(ctx, addr)
			return nil
		})
	}
	g.Wait()
}

func (p *Pool) connect(ctx context.Context, addr string) {
	d := net.Dialer{Timeout: p.cfg.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", p.target(addr))
	if err != nil {
		// offline devices are retried next cycle
		p.log.Debug("monitor connect failed", "device", addr, "error", err)
		return
	}

	p.mu.Lock()
	_, dup := p.conns[addr]
	if dup || p.fleet.Excluded(addr) {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.conns[addr] = &conn{addr: addr, c: c, r: bufio.NewReader(c)}
	n := len(p.conns)
	p.mu.Unlock()

	p.metrics.SetMonitorConnections(n)
	devlog.Emitf(p.sink, devlog.KindConnection, addr, "connected for default mode logs")
}

func (p *Pool) closeUndesired(desired *hashset.Set) {
	for _, addr := range p.Addresses() {
		if !desired.Contains(addr) {
			p.Drop(addr)
		}
	}
}

func (p *Pool) readAll() {
	p.mu.Lock()
	snapshot := maps.Values(p.conns)
	p.mu.Unlock()

	for _, c := range snapshot {
		p.read(c)
	}
}

func (p *Pool) read(c *conn) {
	if err := c.c.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
		p.remove(c, "error", err)
		return
	}

	for {
		chunk, err := c.r.ReadString('\n')
		c.partial.WriteString(chunk)
		if err == nil {
			p.relay(c)
			// drain whatever else is already buffered without waiting
			if c.r.Buffered() > 0 {
				continue
			}
			return
		}

		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			// keep the partial line for the next cycle
			return
		case errors.Is(err, io.EOF):
			if c.partial.Len() > 0 {
				p.relay(c)
			}
			p.remove(c, "eof", nil)
			return
		default:
			p.remove(c, "reset", err)
			return
		}
	}
}

func (p *Pool) relay(c *conn) {
	line := strings.TrimSpace(c.partial.String())
	c.partial.Reset()
	if line == "" {
		return
	}
	p.metrics.IncMonitorLine()
	devlog.Emitf(p.sink, devlog.KindMonitor, c.addr, line)
}

// remove drops c if it is still the pool's connection for its address. A
// connection closed by Drop shows up here as a read error and is ignored.
func (p *Pool) remove(c *conn, reason string, err error) {
	p.mu.Lock()
	current, ok := p.conns[c.addr]
	if !ok || current != c {
		p.mu.Unlock()
		return
	}
	delete(p.conns, c.addr)
	n := len(p.conns)
	p.mu.Unlock()

	c.c.Close()
	p.metrics.SetMonitorConnections(n)
	p.metrics.IncMonitorDisconnect(reason)
	if err != nil {
		p.log.Debug("monitor connection lost", "device", c.addr, "reason", reason, "error", err)
	}
	devlog.Emitf(p.sink, devlog.KindConnection, c.addr, "disconnected ("+reason+"), retrying")
}

func (p *Pool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.c.Close()
	}
	p.metrics.SetMonitorConnections(0)
}
