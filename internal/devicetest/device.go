// Package devicetest runs scripted fake sensors on loopback for tests.
package devicetest

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Conn is one accepted connection as seen by the fake device.
type Conn struct {
	net.Conn
	R *bufio.Reader
}

// ReadLine returns the next line without its terminator.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.R.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadN reads exactly n raw bytes.
func (c *Conn) ReadN(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(c.R, buf)
	return buf, err
}

// Send writes each line followed by LF.
func (c *Conn) Send(lines ...string) error {
	for _, l := range lines {
		if _, err := io.WriteString(c.Conn, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// Handler drives one connection. The connection is closed when it returns.
type Handler func(d *Device, c *Conn)

// Device is a fake sensor listening on 127.0.0.1.
type Device struct {
	ln      net.Listener
	handler Handler

	mu       sync.Mutex
	commands []string
	conns    map[net.Conn]struct{}
	closed   bool

	accepted atomic.Int64
	open     atomic.Int64
	wg       sync.WaitGroup
}

// Start listens on an ephemeral port and serves every connection with h
// until the test ends.
func Start(t testing.TB, h Handler) *Device {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("devicetest: listen: %v", err)
	}
	d := &Device{ln: ln, handler: h, conns: make(map[net.Conn]struct{})}
	d.wg.Add(1)
	go d.serve()
	t.Cleanup(d.Close)
	return d
}

// Addr is the host:port the device listens on.
func (d *Device) Addr() string {
	return d.ln.Addr().String()
}

// Accepted counts connections accepted so far.
func (d *Device) Accepted() int {
	return int(d.accepted.Load())
}

// Open counts connections whose handler has not returned yet.
func (d *Device) Open() int {
	return int(d.open.Load())
}

// Commands returns every line recorded with Record, in order.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Record appends a received command line.
func (d *Device) Record(line string) {
	d.mu.Lock()
	d.commands = append(d.commands, line)
	d.mu.Unlock()
}

// Close stops listening and closes every open connection.
func (d *Device) Close() {
	d.ln.Close()
	d.mu.Lock()
	d.closed = true
	for c := range d.conns {
		c.Close()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Device) serve() {
	defer d.wg.Done()
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			conn.Close()
			return
		}
		d.conns[conn] = struct{}{}
		d.mu.Unlock()
		d.accepted.Add(1)
		d.open.Add(1)

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.open.Add(-1)
			defer func() {
				d.mu.Lock()
				delete(d.conns, conn)
				d.mu.Unlock()
				conn.Close()
			}()
			d.handler(d, &Conn{Conn: conn, R: bufio.NewReader(conn)})
		}()
	}
}

// Respond reads one command line, records it, sends lines and hangs up.
func Respond(lines ...string) Handler {
	return func(d *Device, c *Conn) {
		cmd, err := c.ReadLine()
		if err != nil {
			return
		}
		d.Record(cmd)
		c.Send(lines...)
	}
}

// Script answers each command by name (the part before any comma) and
// records it. Unknown commands get an ERROR line.
func Script(replies map[string][]string) Handler {
	return func(d *Device, c *Conn) {
		cmd, err := c.ReadLine()
		if err != nil {
			return
		}
		d.Record(cmd)
		name, _, _ := strings.Cut(cmd, ",")
		lines, ok := replies[name]
		if !ok {
			c.Send("ERROR: unknown command " + name)
			return
		}
		c.Send(lines...)
	}
}

// Idle holds the connection open without sending anything until the peer
// hangs up or the device closes.
func Idle(_ *Device, c *Conn) {
	io.Copy(io.Discard, c.R)
}
