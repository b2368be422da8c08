package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/high-horse/fingerprint-fleet/internal/metrics"
)

// Client opens command sessions against devices. It holds no connections
// between calls and is safe for concurrent use; callers must still send at
// most one command at a time to the same device, the firmware does not queue.
type Client struct {
	port     int
	timeouts Timeouts
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewClient(port int, timeouts Timeouts, log *slog.Logger, m *metrics.Metrics) *Client {
	if port == 0 {
		port = DefaultPort
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		port:     port,
		timeouts: timeouts,
		log:      log.With("component", "protocol"),
		metrics:  m,
	}
}

// Target resolves a registry address to a dial target. Addresses that
// already carry a port are used as is.
func (c *Client) Target(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(c.port))
}

// Do sends cmd and collects response lines until a terminal line, the LIST
// sentinel, or EOF. A terminal ERROR line is returned as ErrProtocol together
// with the lines read so far.
func (c *Client) Do(ctx context.Context, addr string, cmd Command) (res *Result, err error) {
	s, err := c.open(ctx, addr, cmd)
	if err != nil {
		return &Result{Address: addr, Command: cmd}, err
	}
	defer func() { s.finish(err) }()

	if err := s.send([]byte(cmd.Line())); err != nil {
		return s.res, err
	}
	if err := s.readUntilTerminal(c.timeouts.lineTimeout(cmd.Name)); err != nil {
		return s.res, err
	}
	return s.res, s.deviceError()
}

type session struct {
	ctx     context.Context
	client  *Client
	id      string
	target  string
	conn    net.Conn
	r       *bufio.Reader
	res     *Result
	started time.Time
	stop    func() bool
}

func (c *Client) open(ctx context.Context, addr string, cmd Command) (*session, error) {
	target := c.Target(addr)
	started := time.Now()

	d := net.Dialer{Timeout: c.timeouts.Connect}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		err = dialError(target, err)
		c.metrics.ObserveCommand(cmd.Name, outcome(err), time.Since(started))
		c.log.Warn("connect failed", "device", target, "command", cmd.String(), "error", err)
		return nil, err
	}

	s := &session{
		ctx:     ctx,
		client:  c,
		id:      uuid.NewString(),
		target:  target,
		conn:    conn,
		r:       bufio.NewReader(conn),
		res:     &Result{Address: addr, Command: cmd},
		started: started,
	}
	s.stop = context.AfterFunc(ctx, func() { conn.Close() })
	c.log.Debug("session opened", "exchange", s.id, "device", target, "command", cmd.String())
	return s, nil
}

func (s *session) finish(err error) {
	s.stop()
	s.conn.Close()

	cmd := s.res.Command
	s.client.metrics.ObserveCommand(cmd.Name, outcome(err), time.Since(s.started))
	attrs := []any{
		"exchange", s.id,
		"device", s.target,
		"command", cmd.String(),
		"lines", len(s.res.Lines),
		"elapsed", time.Since(s.started),
	}
	if err != nil {
		s.client.log.Warn("exchange failed", append(attrs, "error", err)...)
		return
	}
	s.client.log.Info("exchange complete", attrs...)
}

func (s *session) send(p []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.client.timeouts.Write)); err != nil {
		return s.ioError("write", err)
	}
	if _, err := s.conn.Write(p); err != nil {
		return s.ioError("write", err)
	}
	return nil
}

// readLine returns the next line with surrounding whitespace trimmed. A final
// unterminated line before EOF is returned as a line; the following call
// reports io.EOF.
func (s *session) readLine(timeout time.Duration) (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", s.ioError("read", err)
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if line != "" {
				return strings.TrimSpace(line), nil
			}
			return "", io.EOF
		}
		return "", s.ioError("read", err)
	}
	return strings.TrimSpace(line), nil
}

func (s *session) readUntilTerminal(timeout time.Duration) error {
	for {
		line, err := s.readLine(timeout)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		s.res.Lines = append(s.res.Lines, line)
		if terminal(s.res.Command.Name, line) {
			return nil
		}
	}
}

// deviceError turns a terminal ERROR line into ErrProtocol.
func (s *session) deviceError() error {
	last := s.res.Last()
	if strings.HasPrefix(last, "ERROR") {
		return fmt.Errorf("%w: %s", ErrProtocol, last)
	}
	return nil
}

func (s *session) ioError(op string, err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s %s after %d line(s)", ErrProtocolTimeout, op, s.target, len(s.res.Lines))
	}
	return fmt.Errorf("%s %s: %w", op, s.target, err)
}
