package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// Datagram is a decoded message together with where it came from.
type Datagram struct {
	From       types.Endpoint
	Message    Message
	ReceivedAt time.Time
}

// Channel is the single UDP socket a client punches and talks through.
type Channel struct {
	conn        *net.UDPConn
	readTimeout time.Duration
	log         logrus.FieldLogger
}

// Listen binds a UDP socket on addr (":0" picks a random port).
func Listen(addr string, cfg Config, logger logrus.FieldLogger) (*Channel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	return NewChannel(conn, cfg, logger), nil
}

// NewChannel wraps an existing UDP socket.
func NewChannel(conn *net.UDPConn, cfg Config, logger logrus.FieldLogger) *Channel {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	return &Channel{
		conn:        conn,
		readTimeout: cfg.ReadTimeout,
		log:         logger.WithField("component", "udp"),
	}
}

// LocalPort returns the port the socket is bound to; this is what the
// client advertises to the rendezvous server.
func (c *Channel) LocalPort() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// LocalAddr returns the socket's local address.
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Send encodes m and writes it to the endpoint.
func (c *Channel) Send(to types.Endpoint, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	addr, err := to.UDPAddr()
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", m.Kind(), to, err)
	}
	return nil
}

// Run reads datagrams until ctx is cancelled or the socket fails, handing
// each decoded one to handle. Undecodable datagrams are logged and dropped;
// anything on the internet can reach this socket.
func (c *Channel) Run(ctx context.Context, handle func(Datagram)) error {
	buf := make([]byte, MaxDatagramSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Set read deadline so cancellation is observed between reads
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, remoteAddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to receive datagram: %w", err)
		}

		from, _ := types.FromAddr(remoteAddr)
		msg, err := Decode(buf[:n])
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"from":  from.String(),
				"bytes": n,
			}).WithError(err).Info("discarding undecodable datagram")
			continue
		}

		handle(Datagram{From: from, Message: msg, ReceivedAt: time.Now()})
	}
}

// Close closes the socket, unblocking Run.
func (c *Channel) Close() error {
	return c.conn.Close()
}
