package signaling

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler serves signaling connections: it frames records, dispatches them
// against the registry and writes responses back on the same connection.
type Handler struct {
	registry *Registry
	metrics  *Metrics
	upgrader Upgrader
	pairs    pairLocks

	// Configuration
	IdleTimeout   time.Duration // 0 keeps idle connections forever
	WriteTimeout  time.Duration
	MaxRecordSize int

	// Logging
	Logger logrus.FieldLogger
}

// connState is what one connection knows about itself.
type connState struct {
	peer     *Peer
	username string // registered on this connection, "" until register succeeds
	log      logrus.FieldLogger
}

// NewHandler creates a new connection handler.
// Pass nil metrics to record into a private registry.
func NewHandler(registry *Registry, metrics *Metrics) *Handler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Handler{
		registry:      registry,
		metrics:       metrics,
		WriteTimeout:  DefaultWriteTimeout,
		MaxRecordSize: DefaultMaxRecordSize,
		Logger:        logrus.StandardLogger(),
	}
}

// SetUpgrader sets the WebSocket upgrader.
func (h *Handler) SetUpgrader(u Upgrader) {
	h.upgrader = u
}

// ServeHTTP upgrades HTTP connections to WebSocket and serves them as
// signaling connections.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.upgrader == nil {
		http.Error(w, "WebSocket upgrader not configured", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().WithError(err).Warn("upgrade error")
		return
	}

	h.ServeConn(r.Context(), NewWSConn(conn, h.MaxRecordSize))
}

// ServeConn runs the record loop for one connection until the stream ends,
// an I/O error occurs or ctx is cancelled. It always closes conn.
func (h *Handler) ServeConn(ctx context.Context, conn RecordConn) {
	peer := NewPeer(conn, h.WriteTimeout)
	h.metrics.Connections.Inc()

	st := &connState{
		peer: peer,
		log: h.logger().WithFields(logrus.Fields{
			"conn":   peer.ID,
			"remote": peer.Remote.String(),
		}),
	}
	st.log.Info("connection opened")

	// Closing the connection is what unblocks a pending read.
	stop := context.AfterFunc(ctx, func() { peer.Close() })
	defer stop()
	defer h.handleDisconnect(st)

	h.readLoop(st)
}

// readLoop reads and processes records from a connection.
func (h *Handler) readLoop(st *connState) {
	conn := st.peer.Connection()

	for {
		if h.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(h.IdleTimeout))
		}

		data, err := conn.ReadRecord()
		if err != nil {
			// Connection closed or error - log and exit
			if !st.peer.IsClosed() && !errors.Is(err, io.EOF) {
				st.log.WithError(err).Warn("read error")
			}
			return
		}

		// A superseded connection may still hold buffered records; none of
		// them may act on the registry.
		if st.peer.IsClosed() {
			return
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		h.handleRecord(st, data)
	}
}

// handleRecord decodes one record and routes it.
func (h *Handler) handleRecord(st *connState, data []byte) {
	req, err := DecodeRequest(data)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			st.log.WithError(err).Debug("rejected record")
			h.replyError(st, perr.Code)
		}
		return
	}

	switch req := req.(type) {
	case RegisterRequest:
		h.handleRegister(st, req)
	case ConnectRequest:
		h.handleConnect(st, req)
	default:
		st.log.WithField("action", req.Action()).Debug("unknown action")
		h.replyError(st, ErrorCodeUnknownAction)
	}
}

// handleRegister claims a username for this connection.
func (h *Handler) handleRegister(st *connState, req RegisterRequest) {
	// Renaming drops the old claim, if this connection still owns it.
	if st.username != "" && st.username != req.Username {
		h.registry.RemoveIfOwner(st.username, st.peer)
	}

	superseded, err := h.registry.Register(Registration{
		Username: req.Username,
		IP:       st.peer.Remote.IP,
		UDPPort:  req.UDPPort,
		Peer:     st.peer,
	})
	if err != nil {
		// Superseded while this record was in flight.
		st.log.WithError(err).Debug("register dropped")
		return
	}
	st.username = req.Username
	st.log = st.log.WithField("username", req.Username)

	h.metrics.Registrations.Inc()
	if superseded != nil {
		h.metrics.Supersessions.Inc()
		st.log.WithField("superseded_conn", superseded.ID).Info("previous registration replaced")
	}
	st.log.WithFields(logrus.Fields{
		"ip":       st.peer.Remote.IP,
		"udp_port": req.UDPPort,
	}).Info("registered")

	h.reply(st, NewRegistered(req.Username))
}

// handleConnect pairs this connection's username with the target and pushes
// a notification to both.
func (h *Handler) handleConnect(st *connState, req ConnectRequest) {
	if st.username == "" {
		h.replyError(st, ErrorCodeNotRegistered)
		return
	}
	if req.Target == "" {
		h.replyError(st, ErrorCodeMissingTarget)
		return
	}

	unlock := h.pairs.lock(st.username, req.Target)
	defer unlock()

	// A name that moved to another connection is not ours to pair.
	self, other, err := h.registry.PairFrom(st.peer, st.username, req.Target)
	switch {
	case errors.Is(err, ErrPeerOffline):
		h.replyError(st, ErrorCodeTargetNotOnline)
		return
	case err != nil:
		h.replyError(st, ErrorCodeNotRegistered)
		return
	}

	if err := self.Peer.Send(NewPeerNotice(other)); err != nil {
		st.log.WithError(err).Warn("failed to deliver peer notice to requester")
	}
	if err := other.Peer.Send(NewPeerNotice(self)); err != nil {
		st.log.WithError(err).WithField("target", other.Username).Warn("failed to deliver peer notice to target")
	}

	h.metrics.Pairings.Inc()
	st.log.WithFields(logrus.Fields{
		"target":        other.Username,
		"self_endpoint": self.Endpoint().String(),
		"peer_endpoint": other.Endpoint().String(),
	}).Info("paired")
}

// handleDisconnect cleans up when a connection ends.
func (h *Handler) handleDisconnect(st *connState) {
	if st.username != "" && h.registry.RemoveIfOwner(st.username, st.peer) {
		st.log.Info("removed")
	}
	st.peer.Close()
	st.log.Info("connection closed")
}

func (h *Handler) reply(st *connState, v any) {
	if err := st.peer.Send(v); err != nil && !st.peer.IsClosed() {
		st.log.WithError(err).Warn("write error")
	}
}

func (h *Handler) replyError(st *connState, code ErrorCode) {
	h.metrics.IncrementError(code)
	h.reply(st, NewError(code))
}

// logger returns the configured logger tagged with this component.
func (h *Handler) logger() logrus.FieldLogger {
	if h.Logger == nil {
		return logrus.StandardLogger().WithField("component", "signaling")
	}
	return h.Logger.WithField("component", "signaling")
}
