package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/high-horse/fingerprint-fleet/internal/devlog"
	"github.com/high-horse/fingerprint-fleet/internal/fleet"
)

func TestParse(t *testing.T) {
	m := Parse("STATUS|192.168.1.40|aa:bb:cc:00:11:22|87\n")
	assert.Equal(t, KindStatus, m.Kind)
	assert.Equal(t, "192.168.1.40", m.IP)
	assert.Equal(t, "aa:bb:cc:00:11:22", m.MAC)
	assert.Equal(t, 87, m.Battery)

	assert.Equal(t, 0, Parse("STATUS|192.168.1.40|aa|low").Battery)
	assert.Equal(t, KindMalformed, Parse("STATUS|192.168.1.40|aa").Kind)
	assert.Equal(t, KindContinuous, Parse("CONTINUOUS_SUCCESS:4").Kind)
	assert.Equal(t, KindContinuous, Parse("CONTINUOUS_ERROR:timeout").Kind)
	assert.Equal(t, KindTimeRequest, Parse("TIME_REQUEST\r\n").Kind)
	assert.Equal(t, KindUnknown, Parse("HELLO").Kind)
	assert.Equal(t, KindEmpty, Parse("  ").Kind)
}

type testServer struct {
	addr   string
	fleet  *fleet.Fleet
	events *devlog.Memory
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serveOn(t, ln)
}

func serveOn(t *testing.T, ln net.Listener) *testServer {
	t.Helper()
	ts := &testServer{
		addr:   ln.Addr().String(),
		fleet:  fleet.New(nil),
		events: devlog.NewMemory(0),
		done:   make(chan error, 1),
	}
	srv := NewServer(ts.addr, time.Second, ts.fleet, ts.events, nil, nil)
	srv.now = func() time.Time { return time.Unix(1760000000, 0) }

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	go func() { ts.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-ts.done
	})
	return ts
}

// send delivers one message and returns whatever the server replied before
// closing the connection.
func (ts *testServer) send(t *testing.T, msg string) string {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, msg)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := io.ReadAll(bufio.NewReader(conn))
	require.NoError(t, err)
	return string(reply)
}

func TestStatusUpsertsRegistry(t *testing.T) {
	ts := startServer(t)

	assert.Empty(t, ts.send(t, "STATUS|10.1.1.5|aa:bb:cc:dd:ee:01|64\n"))
	d, ok := ts.fleet.Get("10.1.1.5")
	require.True(t, ok)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", d.MAC)
	assert.Equal(t, 64, d.Battery)

	assert.Empty(t, ts.send(t, "STATUS|10.1.1.5|aa:bb:cc:dd:ee:01|oops\n"))
	d, _ = ts.fleet.Get("10.1.1.5")
	assert.Equal(t, 0, d.Battery)
}

func TestStatusWithoutNewline(t *testing.T) {
	ts := startServer(t)

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	io.WriteString(conn, "STATUS|10.1.1.6|ff|12")
	conn.(*net.TCPConn).CloseWrite()
	io.ReadAll(conn)
	conn.Close()

	d, ok := ts.fleet.Get("10.1.1.6")
	require.True(t, ok)
	assert.Equal(t, 12, d.Battery)
}

func TestContinuousIsAcknowledged(t *testing.T) {
	ts := startServer(t)

	assert.Equal(t, "ACK:\n", ts.send(t, "CONTINUOUS_SUCCESS:3\n"))
	assert.Equal(t, "ACK:\n", ts.send(t, "CONTINUOUS_ERROR:no match\n"))

	var got []string
	for _, e := range ts.events.Entries() {
		if e.Kind == devlog.KindContinuous {
			got = append(got, e.Message)
			assert.Equal(t, "127.0.0.1", e.Source)
		}
	}
	assert.Equal(t, []string{"CONTINUOUS_SUCCESS:3", "CONTINUOUS_ERROR:no match"}, got)
}

func TestTimeRequest(t *testing.T) {
	ts := startServer(t)
	assert.Equal(t, "TIME_RESPONSE:1760000000\n", ts.send(t, "TIME_REQUEST\n"))
}

func TestUnexpectedMessageGetsNoReply(t *testing.T) {
	ts := startServer(t)

	assert.Empty(t, ts.send(t, "GARBAGE 123\n"))
	assert.Empty(t, ts.send(t, "STATUS|only|three\n"))

	var got []string
	for _, e := range ts.events.Entries() {
		if e.Kind == devlog.KindUnexpected {
			got = append(got, e.Message)
		}
	}
	assert.Equal(t, []string{
		"received unexpected tcp message: GARBAGE 123",
		"malformed status message: STATUS|only|three",
	}, got)
	assert.Empty(t, ts.fleet.List())
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln.Addr().String(), time.Second, fleet.New(nil), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

// flakyListener fails its first Accept calls with a non-timeout error.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("accept tcp: too many open files")
	}
	return l.Listener.Accept()
}

func TestAcceptErrorKeepsServing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	flaky := &flakyListener{Listener: ln}
	flaky.failures.Store(2)
	ts := serveOn(t, flaky)

	assert.Equal(t, "TIME_RESPONSE:1760000000\n", ts.send(t, "TIME_REQUEST\n"))
	assert.Less(t, flaky.failures.Load(), int32(0))

	select {
	case err := <-ts.done:
		t.Fatalf("server stopped after accept error: %v", err)
	default:
	}
}

func TestServeReturnsWhenListenerClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(ln.Addr().String(), time.Second, fleet.New(nil), nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	ln.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestSlowClientDoesNotBlockOthers(t *testing.T) {
	ts := startServer(t)

	slow, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer slow.Close()

	assert.Equal(t, "ACK:\n", ts.send(t, "CONTINUOUS_SUCCESS:1\n"))
}
