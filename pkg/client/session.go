// Package client runs one peer's side of a rendezvous: it registers with the
// signaling server, reacts to pairing notices by punching towards the peer,
// and exchanges datagrams over the punched path.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/rendezvous/internal/signaling"
	"github.com/saintparish4/rendezvous/pkg/holepunch"
	"github.com/saintparish4/rendezvous/pkg/types"
)

const (
	DefaultServerAddr  = "127.0.0.1:5555"
	DefaultDialTimeout = 10 * time.Second

	// DefaultSignalPoll bounds each signaling read so cancellation is noticed.
	DefaultSignalPoll = time.Second
)

// ErrServerClosed is returned by Run when the server ends the signaling stream.
var ErrServerClosed = errors.New("signaling server closed the connection")

// Config configures a Session.
type Config struct {
	ServerAddr   string // host:port for TCP, or a ws:// URL
	Username     string
	LocalUDPAddr string // ":0" picks a random port
	DialTimeout  time.Duration
	SignalPoll   time.Duration
	Punch        holepunch.Config
	Logger       logrus.FieldLogger

	// OnNotice is called for every server record, after the session acted on it.
	OnNotice func(signaling.Notice)
	// OnDatagram receives payloads and datagrams of unknown type. Probes are
	// consumed by the session.
	OnDatagram func(holepunch.Datagram)
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		ServerAddr:   DefaultServerAddr,
		LocalUDPAddr: ":0",
		DialTimeout:  DefaultDialTimeout,
		SignalPoll:   DefaultSignalPoll,
		Punch:        holepunch.DefaultConfig(),
		Logger:       logrus.StandardLogger(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ServerAddr == "" {
		c.ServerAddr = d.ServerAddr
	}
	if c.LocalUDPAddr == "" {
		c.LocalUDPAddr = d.LocalUDPAddr
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.SignalPoll <= 0 {
		c.SignalPoll = d.SignalPoll
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// Session is a registered client: one signaling connection and one UDP socket.
type Session struct {
	cfg     Config
	conn    signaling.RecordConn
	signal  *signaling.Peer // serializes writes to conn
	udp     *holepunch.Channel
	puncher *holepunch.Puncher
	log     logrus.FieldLogger
}

// Dial binds the UDP socket, connects to the server and registers under
// cfg.Username with the bound UDP port.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if cfg.Username == "" {
		return nil, errors.New("username is required")
	}

	log := cfg.Logger.WithField("username", cfg.Username)

	udp, err := holepunch.Listen(cfg.LocalUDPAddr, cfg.Punch, log)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, err := signaling.Dial(dialCtx, cfg.ServerAddr, signaling.DefaultMaxRecordSize)
	if err != nil {
		udp.Close()
		return nil, err
	}

	s := &Session{
		cfg:     cfg,
		conn:    conn,
		signal:  signaling.NewPeer(conn, signaling.DefaultWriteTimeout),
		udp:     udp,
		puncher: holepunch.NewPuncher(cfg.Username, udp, cfg.Punch, log),
		log:     log.WithField("component", "client"),
	}

	if err := s.signal.Send(signaling.RegisterRecord(cfg.Username, udp.LocalPort())); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to register: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"server":   cfg.ServerAddr,
		"udp_port": udp.LocalPort(),
	}).Info("connected to rendezvous server")

	return s, nil
}

// Run drives the session until ctx is cancelled or either socket fails.
// It returns nil on cancellation and ErrServerClosed if the server hangs up.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Closing the sockets unblocks both loops.
	stop := context.AfterFunc(gctx, func() {
		s.signal.Close()
		s.udp.Close()
	})
	defer stop()

	g.Go(func() error {
		return s.readSignals(gctx)
	})
	g.Go(func() error {
		return s.udp.Run(gctx, s.handleDatagram)
	})

	err := g.Wait()
	s.puncher.Stop()
	return err
}

// readSignals processes server records.
func (s *Session) readSignals(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.SignalPoll))
		data, err := s.conn.ReadRecord()
		if err != nil {
			if signaling.IsTimeout(err) {
				continue
			}
			if ctx.Err() != nil || s.signal.IsClosed() {
				return nil
			}
			// A server that hangs up with unread input resets instead.
			if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
				return ErrServerClosed
			}
			return fmt.Errorf("signaling read: %w", err)
		}

		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		notice, err := signaling.DecodeNotice(data)
		if err != nil {
			s.log.WithError(err).Warn("undecodable server record")
			continue
		}
		s.handleNotice(ctx, notice)
	}
}

func (s *Session) handleNotice(ctx context.Context, n signaling.Notice) {
	switch n.Action {
	case signaling.ActionRegistered:
		s.log.WithField("as", n.Username).Info("registered")

	case signaling.ActionPeer:
		ep := types.Endpoint{IP: n.PeerIP, Port: n.PeerPort}
		s.log.WithFields(logrus.Fields{
			"peer":     n.PeerUsername,
			"endpoint": ep.String(),
		}).Info("peer info received, punching")
		s.puncher.Punch(ctx, n.PeerUsername, ep)

	case signaling.ActionError:
		s.log.WithField("error", n.Error).Warn("server error")

	default:
		s.log.WithField("action", n.Action).Info("unknown server record")
	}

	if s.cfg.OnNotice != nil {
		s.cfg.OnNotice(n)
	}
}

func (s *Session) handleDatagram(d holepunch.Datagram) {
	s.puncher.Observe(d.From)

	switch m := d.Message.(type) {
	case holepunch.Probe:
		s.log.WithFields(logrus.Fields{"from": m.From, "seq": m.Seq}).Debug("probe received")
		return
	case holepunch.Payload:
		s.log.WithField("from", m.From).Debug("payload received")
	default:
		s.log.WithFields(logrus.Fields{
			"from": d.From.String(),
			"type": d.Message.Kind(),
		}).Info("unknown datagram")
	}

	if s.cfg.OnDatagram != nil {
		s.cfg.OnDatagram(d)
	}
}

// Connect asks the server to pair this session with target. The result
// arrives asynchronously as a peer or error notice.
func (s *Session) Connect(target string) error {
	return s.signal.Send(signaling.ConnectRecord(target))
}

// Send sends text to the current peer. It returns holepunch.ErrNoPeer until
// a pairing notice has arrived.
func (s *Session) Send(text string) (holepunch.Payload, error) {
	return s.puncher.SendPayload(text)
}

// Peer returns the current punch session, if any.
func (s *Session) Peer() (holepunch.Session, bool) {
	return s.puncher.Peer()
}

// State returns the hole-punch state.
func (s *Session) State() holepunch.State {
	return s.puncher.State()
}

// Username returns the name this session registered under.
func (s *Session) Username() string {
	return s.cfg.Username
}

// LocalUDPPort returns the port advertised to the server.
func (s *Session) LocalUDPPort() int {
	return s.udp.LocalPort()
}

// Close tears the session down. Run returns once its loops notice.
func (s *Session) Close() error {
	err := s.signal.Close()
	if uerr := s.udp.Close(); err == nil && !errors.Is(uerr, net.ErrClosed) {
		err = uerr
	}
	s.puncher.Stop()
	return err
}
