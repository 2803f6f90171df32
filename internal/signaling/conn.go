package signaling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultMaxRecordSize bounds a single buffered record.
const DefaultMaxRecordSize = 64 * 1024

var (
	// ErrRecordTooLarge is returned when a peer sends more than the record
	// limit without a terminator. The stream cannot be resynchronised.
	ErrRecordTooLarge = errors.New("record exceeds size limit")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection closed")
)

// RecordConn is a stream of discrete signaling records.
// Implementations must allow one concurrent reader and one concurrent writer.
type RecordConn interface {
	// ReadRecord returns the next record without its terminator.
	// Blank records are returned as-is; callers skip them.
	ReadRecord() ([]byte, error)
	WriteRecord(data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// splitRecord pops the first newline-terminated record from buf.
func splitRecord(buf []byte) (record, rest []byte, ok bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, buf, false
	}
	record = bytes.TrimRight(append([]byte(nil), buf[:i]...), "\r")
	n := copy(buf, buf[i+1:])
	return record, buf[:n], true
}

// --- Line-delimited stream ---

// LineConn frames a byte stream into newline-delimited records.
// Partial records survive read timeouts, so a deadline can be used to poll.
type LineConn struct {
	conn    net.Conn
	maxSize int

	buf   []byte
	chunk []byte

	wmu sync.Mutex
}

// NewLineConn wraps conn. maxSize <= 0 selects DefaultMaxRecordSize.
func NewLineConn(conn net.Conn, maxSize int) *LineConn {
	if maxSize <= 0 {
		maxSize = DefaultMaxRecordSize
	}
	return &LineConn{
		conn:    conn,
		maxSize: maxSize,
		chunk:   make([]byte, 4096),
	}
}

// ReadRecord implements RecordConn.
func (c *LineConn) ReadRecord() ([]byte, error) {
	for {
		record, rest, ok := splitRecord(c.buf)
		c.buf = rest
		if ok {
			return record, nil
		}
		if len(c.buf) > c.maxSize {
			return nil, ErrRecordTooLarge
		}

		n, err := c.conn.Read(c.chunk)
		c.buf = append(c.buf, c.chunk[:n]...)
		if err != nil {
			return nil, err
		}
	}
}

// WriteRecord implements RecordConn. The terminator is appended here.
func (c *LineConn) WriteRecord(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	_, err := c.conn.Write(frame)
	return err
}

func (c *LineConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *LineConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *LineConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *LineConn) Close() error                       { return c.conn.Close() }

// --- WebSocket ---

// Upgrader abstracts WebSocket upgrade functionality.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

// NewGorillaUpgrader creates a websocket.Upgrader with permissive origin checks.
// Signaling carries no credentials, so cross-origin browsers are allowed.
func NewGorillaUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// WSConn carries records over WebSocket text messages. The end of a message
// terminates a record; a message may also hold several newline-separated records.
type WSConn struct {
	conn *websocket.Conn
	buf  []byte

	wmu sync.Mutex
}

// NewWSConn wraps an established WebSocket connection.
func NewWSConn(conn *websocket.Conn, maxSize int) *WSConn {
	if maxSize <= 0 {
		maxSize = DefaultMaxRecordSize
	}
	conn.SetReadLimit(int64(maxSize))
	return &WSConn{conn: conn}
}

// ReadRecord implements RecordConn.
func (c *WSConn) ReadRecord() ([]byte, error) {
	for {
		record, rest, ok := splitRecord(c.buf)
		c.buf = rest
		if ok {
			return record, nil
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, ErrRecordTooLarge
			}
			return nil, err
		}
		c.buf = append(c.buf, data...)
		if len(c.buf) == 0 || c.buf[len(c.buf)-1] != '\n' {
			c.buf = append(c.buf, '\n')
		}
	}
}

// WriteRecord implements RecordConn.
func (c *WSConn) WriteRecord(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SetReadDeadline is a no-op: a gorilla connection is unusable after a read
// timeout, so WebSocket readers are stopped by closing the connection instead.
func (c *WSConn) SetReadDeadline(time.Time) error { return nil }

func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *WSConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *WSConn) Close() error                       { return c.conn.Close() }

// --- Dialing ---

// Dial connects to a signaling server. Addresses starting with ws:// or wss://
// use the WebSocket transport; anything else is a host:port for plain TCP.
func Dial(ctx context.Context, addr string, maxSize int) (RecordConn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
		}
		return NewWSConn(ws, maxSize), nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewLineConn(conn, maxSize), nil
}

// IsTimeout reports whether a ReadRecord error is a deadline expiry that
// leaves the connection usable.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
