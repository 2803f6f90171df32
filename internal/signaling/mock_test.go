package signaling

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory RecordConn with a configurable remote address.
// Records pushed with send are read in order; hangup ends the stream.
type fakeConn struct {
	remote *net.TCPAddr

	in        chan []byte
	hangOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	out   [][]byte
	stall chan struct{} // when set, writes block until it is closed
}

func newFakeConn(ip string, port int) *fakeConn {
	return &fakeConn{
		remote: &net.TCPAddr{IP: net.ParseIP(ip), Port: port},
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadRecord() ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *fakeConn) WriteRecord(data []byte) error {
	c.mu.Lock()
	stall := c.stall
	c.mu.Unlock()
	if stall != nil {
		select {
		case <-stall:
		case <-c.closed:
		}
	}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) RemoteAddr() net.Addr             { return c.remote }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// stallWrites makes every following write block until the returned func is
// called or the connection is closed.
func (c *fakeConn) stallWrites() func() {
	stall := make(chan struct{})
	c.mu.Lock()
	c.stall = stall
	c.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(stall) }) }
}

// send queues one inbound record.
func (c *fakeConn) send(record string) {
	c.in <- []byte(record)
}

// hangup ends the inbound stream as if the client disconnected.
func (c *fakeConn) hangup() {
	c.hangOnce.Do(func() { close(c.in) })
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.out))
	for i, b := range c.out {
		out[i] = string(b)
	}
	return out
}

// waitWritten blocks until at least n records were written and returns them.
func (c *fakeConn) waitWritten(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.written()) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d records, have %v", n, c.written())
	return c.written()
}

func decodeRecord(t *testing.T, record string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(record), &m))
	return m
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestHandler() (*Handler, *Registry) {
	registry := NewRegistry()
	h := NewHandler(registry, NewMetrics(nil))
	h.Logger = quietLogger()
	return h, registry
}

// serveFake runs the handler on conn until it returns; the returned channel
// is closed when ServeConn exits.
func serveFake(h *Handler, conn *fakeConn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeConn(context.Background(), conn)
	}()
	return done
}
