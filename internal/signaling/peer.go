package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// DefaultWriteTimeout bounds a single record write.
const DefaultWriteTimeout = 10 * time.Second

// Peer is the server's handle on one signaling connection.
// Writes are serialized; Close is idempotent and safe from any goroutine.
type Peer struct {
	ID          string
	Remote      types.Endpoint
	ConnectedAt time.Time

	conn         RecordConn
	writeTimeout time.Duration

	mu     sync.Mutex // Protects conn writes
	closed atomic.Bool
}

// NewPeer wraps conn. The remote endpoint is taken from the socket, never
// from anything the client says about itself.
func NewPeer(conn RecordConn, writeTimeout time.Duration) *Peer {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	remote, _ := types.FromAddr(conn.RemoteAddr())
	return &Peer{
		ID:           uuid.NewString(),
		Remote:       remote,
		ConnectedAt:  time.Now(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Send encodes v as one record and writes it. Thread-safe.
func (p *Peer) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return fmt.Errorf("peer %s: %w", p.ID, ErrClosed)
	}

	// Set write deadline to prevent blocking indefinitely
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := p.conn.WriteRecord(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// SendError sends an error record to the peer.
func (p *Peer) SendError(code ErrorCode) error {
	return p.Send(NewError(code))
}

// Close closes the peer's connection. It does not wait for an in-flight
// Send; closing the connection is what unblocks it.
func (p *Peer) Close() error {
	if !p.retire() {
		return nil
	}
	return p.conn.Close()
}

// retire marks the peer closed without touching the connection. It reports
// whether this call did the marking, in which case the caller owns closing conn.
func (p *Peer) retire() bool {
	return p.closed.CompareAndSwap(false, true)
}

// IsClosed returns whether the peer's connection is closed.
func (p *Peer) IsClosed() bool {
	return p.closed.Load()
}

// Connection returns the underlying record stream.
// Use with caution - prefer using Send() for thread-safe writes.
func (p *Peer) Connection() RecordConn {
	return p.conn
}
