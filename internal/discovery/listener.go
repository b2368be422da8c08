// Package discovery listens for UDP broadcast announcements of the form
// "ip,mac" and registers the announcing device.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/high-horse/fingerprint-fleet/internal/devlog"
	"github.com/high-horse/fingerprint-fleet/internal/fleet"
	"github.com/high-horse/fingerprint-fleet/internal/metrics"
)

const (
	DefaultAddr = ":5001"

	maxDatagram  = 1024
	pollInterval = time.Second
)

// Registry is the upsert capability announcements feed.
type Registry interface {
	Upsert(addr, mac string, battery int) (fleet.Device, fleet.Change)
}

type Listener struct {
	addr     string
	registry Registry
	sink     devlog.Sink
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewListener(addr string, registry Registry, sink devlog.Sink, log *slog.Logger, m *metrics.Metrics) *Listener {
	if addr == "" {
		addr = DefaultAddr
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		addr:     addr,
		registry: registry,
		sink:     sink,
		log:      log.With("component", "discovery"),
		metrics:  m,
	}
}

// ListenAndServe binds the discovery port and serves until ctx is cancelled.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", l.addr)
	if err != nil {
		return fmt.Errorf("discovery listener %s: %w", l.addr, err)
	}
	return l.Serve(ctx, pc)
}

// Serve reads announcements from pc until ctx is cancelled. pc is closed on
// return.
func (l *Listener) Serve(ctx context.Context, pc net.PacketConn) error {
	defer pc.Close()
	l.log.Info("discovery listener started", "addr", pc.LocalAddr().String())

	buf := make([]byte, maxDatagram)
	for {
		if ctx.Err() != nil {
			l.log.Info("discovery listener stopped")
			return nil
		}
		if err := pc.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return fmt.Errorf("discovery deadline: %w", err)
		}

		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.log.Info("discovery listener stopped")
				return nil
			}
			// a bad datagram never stops the listener
			l.log.Warn("discovery read failed", "error", err)
			continue
		}
		l.handle(from, buf[:n])
	}
}

func (l *Listener) handle(from net.Addr, data []byte) {
	ip, mac, ok := ParseAnnouncement(string(data))
	if !ok {
		l.metrics.IncIngest("announce_malformed")
		l.log.Debug("ignoring datagram", "from", from.String(), "data", string(data))
		return
	}
	l.metrics.IncIngest("announce")

	d, change := l.registry.Upsert(ip, mac, fleet.BatteryUnknown)
	if change == fleet.Discovered {
		devlog.Emitf(l.sink, devlog.KindStatus, d.Address,
			fmt.Sprintf("device discovered (udp): %s (%s)", d.Address, d.MAC))
	}
}

// ParseAnnouncement splits an "ip,mac" datagram. Anything without exactly two
// fields or with an empty ip is rejected.
func ParseAnnouncement(s string) (ip, mac string, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return "", "", false
	}
	ip = strings.TrimSpace(parts[0])
	mac = strings.TrimSpace(parts[1])
	if ip == "" {
		return "", "", false
	}
	return ip, mac, true
}
