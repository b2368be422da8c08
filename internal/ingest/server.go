package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/high-horse/fingerprint-fleet/internal/devlog"
	"github.com/high-horse/fingerprint-fleet/internal/fleet"
	"github.com/high-horse/fingerprint-fleet/internal/metrics"
)

// DefaultAddr is the status port devices report to.
const DefaultAddr = ":5002"

const maxLine = 1024

// acceptBackoff is the pause after a failed accept, so a persistent error
// such as descriptor exhaustion does not spin the loop.
const acceptBackoff = 50 * time.Millisecond

// Registry is the upsert capability heartbeats feed.
type Registry interface {
	Upsert(addr, mac string, battery int) (fleet.Device, fleet.Change)
}

type Server struct {
	addr        string
	readTimeout time.Duration
	registry    Registry
	sink        devlog.Sink
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	wg sync.WaitGroup
}

func NewServer(addr string, readTimeout time.Duration, registry Registry, sink devlog.Sink, log *slog.Logger, m *metrics.Metrics) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:        addr,
		readTimeout: readTimeout,
		registry:    registry,
		sink:        sink,
		log:         log.With("component", "ingest"),
		metrics:     m,
		now:         time.Now,
	}
}

// ListenAndServe binds the status port and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status listener %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled or ln is closed. Accept and
// per-connection failures are logged and never stop the accept loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("status listener started", "addr", ln.Addr().String())
	devlog.Emitf(s.sink, devlog.KindStatus, ln.Addr().String(), "status listener started")

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.log.Info("status listener stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Warn("status listener accept failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(acceptBackoff):
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	source := remoteIP(conn)

	if err := conn.SetDeadline(time.Now().Add(s.readTimeout)); err != nil {
		s.log.Warn("status connection error", "source", source, "error", err)
		return
	}
	line, err := readLine(conn)
	if err != nil {
		s.log.Warn("status connection error", "source", source, "error", err)
		devlog.Emitf(s.sink, devlog.KindConnection, source, "status listener connection error: "+err.Error())
		return
	}

	msg := Parse(line)
	s.metrics.IncIngest(string(msg.Kind))

	if reply := s.dispatch(source, msg); reply != "" {
		if _, err := io.WriteString(conn, reply); err != nil {
			s.log.Warn("status reply failed", "source", source, "kind", msg.Kind, "error", err)
		}
	}
}

// dispatch applies msg and returns the reply to send, if any.
func (s *Server) dispatch(source string, msg Message) string {
	switch msg.Kind {
	case KindStatus:
		d, change := s.registry.Upsert(msg.IP, msg.MAC, msg.Battery)
		switch change {
		case fleet.Discovered:
			devlog.Emitf(s.sink, devlog.KindStatus, d.Address,
				fmt.Sprintf("device discovered (tcp): %s (%s), battery %d%%", d.Address, d.MAC, d.Battery))
		case fleet.Updated:
			devlog.Emitf(s.sink, devlog.KindStatus, d.Address,
				fmt.Sprintf("status update: battery %d%%", d.Battery))
		}
		return ""
	case KindContinuous:
		devlog.Emitf(s.sink, devlog.KindContinuous, source, msg.Raw)
		return ackReply
	case KindTimeRequest:
		s.log.Debug("time sync", "source", source)
		return timeResponsePrefix + strconv.FormatInt(s.now().Unix(), 10) + "\n"
	case KindMalformed:
		devlog.Emitf(s.sink, devlog.KindUnexpected, source, "malformed status message: "+msg.Raw)
		return ""
	case KindUnknown:
		devlog.Emitf(s.sink, devlog.KindUnexpected, source, "received unexpected tcp message: "+msg.Raw)
		return ""
	default:
		return ""
	}
}

// readLine reads up to a newline or EOF, whichever comes first.
func readLine(conn net.Conn) (string, error) {
	r := bufio.NewReaderSize(io.LimitReader(conn, maxLine), maxLine)
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return line, nil
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
