package holepunch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/rendezvous/pkg/types"
)

// State is where the puncher is in opening a path to its peer.
type State int

const (
	// StateIdle: no peer endpoint known yet.
	StateIdle State = iota
	// StatePunching: a probe burst is in flight.
	StatePunching
	// StateEstablished: the burst finished. Nothing confirms the path is
	// actually open; sends simply go out and may be lost.
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePunching:
		return "punching"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

// ErrNoPeer is returned when sending before any peer endpoint is known.
var ErrNoPeer = errors.New("no peer yet")

// Sender delivers a message to an endpoint. *Channel implements it.
type Sender interface {
	Send(to types.Endpoint, m Message) error
}

// Session describes the current punch target.
type Session struct {
	PeerName   string
	Endpoint   types.Endpoint
	ProbesSent int
	StartedAt  time.Time

	// Confirmed is set once any datagram arrived from Endpoint. Advisory only.
	Confirmed bool
}

// Puncher turns pairing notifications into probe bursts and tracks the
// resulting peer endpoint for payload sends.
type Puncher struct {
	self   string
	sender Sender
	cfg    Config
	log    logrus.FieldLogger

	mu      sync.Mutex
	state   State
	session Session
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}

	bursts sync.WaitGroup
}

// NewPuncher creates a puncher that identifies itself as self in probes.
func NewPuncher(self string, sender Sender, cfg Config, logger logrus.FieldLogger) *Puncher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Puncher{
		self:   self,
		sender: sender,
		cfg:    cfg.withDefaults(),
		log:    logger.WithField("component", "holepunch"),
	}
}

// Punch records the peer endpoint and starts a probe burst towards it in the
// background; it never waits for the peer. A burst already running towards
// the same peer is left alone, any other running burst is cancelled.
// The burst stops early when ctx is cancelled.
func (p *Puncher) Punch(ctx context.Context, peerName string, ep types.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StatePunching && p.session.PeerName == peerName && types.SameAddr(p.session.Endpoint, ep) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}

	p.gen++
	p.session = Session{
		PeerName:  peerName,
		Endpoint:  ep,
		StartedAt: time.Now(),
	}
	p.state = StatePunching

	burstCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	p.bursts.Add(1)
	go p.burst(burstCtx, cancel, p.gen, ep, done)
}

// burst sends cfg.Probes hello datagrams, cfg.Interval apart.
func (p *Puncher) burst(ctx context.Context, cancel context.CancelFunc, gen uint64, ep types.Endpoint, done chan struct{}) {
	defer p.bursts.Done()
	defer close(done)
	defer cancel()

	log := p.log.WithField("peer", ep.String())
	log.WithField("probes", p.cfg.Probes).Debug("punching")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for seq := 0; seq < p.cfg.Probes; seq++ {
		if seq > 0 {
			select {
			case <-ctx.Done():
				log.WithField("sent", seq).Debug("burst cancelled")
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		if err := p.sender.Send(ep, Probe{From: p.self, Seq: seq}); err != nil {
			// Log but continue trying
			log.WithError(err).Warn("punch error")
		}

		p.mu.Lock()
		if p.gen == gen {
			p.session.ProbesSent++
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	if p.gen == gen {
		p.state = StateEstablished
	}
	p.mu.Unlock()

	log.Info("hole punch packets sent")
}

// Wait blocks until the current burst, if any, has finished.
func (p *Puncher) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Stop cancels any running burst and waits for all bursts to exit.
func (p *Puncher) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.bursts.Wait()
}

// State returns the current state.
func (p *Puncher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Peer returns a snapshot of the current session.
func (p *Puncher) Peer() (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, p.state != StateIdle
}

// Observe records that a datagram arrived from the given endpoint and reports
// whether it came from the current peer.
func (p *Puncher) Observe(from types.Endpoint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateIdle || !types.SameAddr(p.session.Endpoint, from) {
		return false
	}
	if !p.session.Confirmed {
		p.session.Confirmed = true
		p.log.WithField("peer", from.String()).Info("reverse path open")
	}
	return true
}

// SendPayload sends text to the current peer. It fails with ErrNoPeer while
// idle; once a peer is known the datagram goes out whether or not the path
// is actually open.
func (p *Puncher) SendPayload(text string) (Payload, error) {
	p.mu.Lock()
	state, session := p.state, p.session
	p.mu.Unlock()

	if state == StateIdle {
		return Payload{}, ErrNoPeer
	}

	msg := NewPayload(p.self, session.PeerName, text)
	if err := p.sender.Send(session.Endpoint, msg); err != nil {
		return msg, err
	}
	return msg, nil
}
