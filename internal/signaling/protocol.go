// Package signaling implements the rendezvous server that lets NATed peers find
// each other's public UDP endpoint before punching a direct path.
//
// Records are JSON objects, one per line, exchanged over a persistent stream
// (plain TCP or a WebSocket).
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action identifies the kind of a signaling record.
type Action string

const (
	// Client -> Server
	ActionRegister Action = "register"
	ActionConnect  Action = "connect"

	// Server -> Client
	ActionRegistered Action = "registered"
	ActionPeer       Action = "peer"
	ActionError      Action = "error"
)

// ErrorCode is the reason carried by an error record.
type ErrorCode string

const (
	ErrorCodeBadJSON         ErrorCode = "bad_json"
	ErrorCodeMissingFields   ErrorCode = "missing_fields"
	ErrorCodeNotRegistered   ErrorCode = "not_registered"
	ErrorCodeMissingTarget   ErrorCode = "missing_target"
	ErrorCodeTargetNotOnline ErrorCode = "target_not_online"
	ErrorCodeUnknownAction   ErrorCode = "unknown_action"
)

// ProtocolError is returned by DecodeRequest when a record cannot be turned
// into a request. Code is what gets reported back to the sender.
type ProtocolError struct {
	Code ErrorCode
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// --- Requests ---

// Request is an inbound record. The concrete type is one of
// RegisterRequest, ConnectRequest or UnknownRequest.
type Request interface {
	Action() Action
}

// RegisterRequest claims a username and advertises the client's UDP port.
type RegisterRequest struct {
	Username string
	UDPPort  int
}

func (RegisterRequest) Action() Action { return ActionRegister }

// ConnectRequest asks the server to pair the sender with Target.
// Target may be empty; the handler reports that after the registration check.
type ConnectRequest struct {
	Target string
}

func (ConnectRequest) Action() Action { return ActionConnect }

// UnknownRequest carries an action the server does not understand.
type UnknownRequest struct {
	Name string
}

func (u UnknownRequest) Action() Action { return Action(u.Name) }

// DecodeRequest parses one record into its request variant.
func DecodeRequest(data []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		if err == nil {
			err = errors.New("record is not an object")
		}
		return nil, &ProtocolError{Code: ErrorCodeBadJSON, Err: err}
	}

	var action string
	if raw, ok := fields["action"]; ok {
		// A non-string action is just an unknown one.
		_ = json.Unmarshal(raw, &action)
	}

	switch Action(action) {
	case ActionRegister:
		return decodeRegister(fields)
	case ActionConnect:
		var target string
		if raw, ok := fields["target"]; ok {
			_ = json.Unmarshal(raw, &target)
		}
		return ConnectRequest{Target: target}, nil
	default:
		return UnknownRequest{Name: action}, nil
	}
}

func decodeRegister(fields map[string]json.RawMessage) (Request, error) {
	var req RegisterRequest

	raw, ok := fields["username"]
	if !ok || json.Unmarshal(raw, &req.Username) != nil || req.Username == "" {
		return nil, &ProtocolError{Code: ErrorCodeMissingFields, Err: errors.New("username is required")}
	}

	// udp_port must be a JSON integer; floats, strings and null are rejected.
	raw, ok = fields["udp_port"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) || json.Unmarshal(raw, &req.UDPPort) != nil {
		return nil, &ProtocolError{Code: ErrorCodeMissingFields, Err: errors.New("udp_port must be an integer")}
	}

	return req, nil
}

// --- Responses ---

// RegisteredResponse acknowledges a register request.
type RegisteredResponse struct {
	Action   Action `json:"action"`
	Username string `json:"username"`
}

// PeerResponse is the pairing notification pushed to both participants.
type PeerResponse struct {
	Action       Action `json:"action"`
	PeerUsername string `json:"peer_username"`
	PeerIP       string `json:"peer_ip"`
	PeerPort     int    `json:"peer_port"`
}

// ErrorResponse reports a protocol or state error to the sender.
type ErrorResponse struct {
	Action Action    `json:"action"`
	Error  ErrorCode `json:"error"`
}

// NewRegistered creates a registered acknowledgement.
func NewRegistered(username string) RegisteredResponse {
	return RegisteredResponse{Action: ActionRegistered, Username: username}
}

// NewPeerNotice creates the notification describing reg to the other side of a pairing.
func NewPeerNotice(reg Registration) PeerResponse {
	return PeerResponse{
		Action:       ActionPeer,
		PeerUsername: reg.Username,
		PeerIP:       reg.IP,
		PeerPort:     reg.UDPPort,
	}
}

// NewError creates an error record.
func NewError(code ErrorCode) ErrorResponse {
	return ErrorResponse{Action: ActionError, Error: code}
}

// --- Client side ---

type registerRecord struct {
	Action   Action `json:"action"`
	Username string `json:"username"`
	UDPPort  int    `json:"udp_port"`
}

type connectRecord struct {
	Action Action `json:"action"`
	Target string `json:"target"`
}

// RegisterRecord builds the record a client sends to claim username.
func RegisterRecord(username string, udpPort int) any {
	return registerRecord{Action: ActionRegister, Username: username, UDPPort: udpPort}
}

// ConnectRecord builds the record a client sends to request a pairing.
func ConnectRecord(target string) any {
	return connectRecord{Action: ActionConnect, Target: target}
}

// Notice is a server record as seen by a client. Fields not used by the
// action are left empty.
type Notice struct {
	Action       Action    `json:"action"`
	Username     string    `json:"username,omitempty"`
	PeerUsername string    `json:"peer_username,omitempty"`
	PeerIP       string    `json:"peer_ip,omitempty"`
	PeerPort     int       `json:"peer_port,omitempty"`
	Error        ErrorCode `json:"error,omitempty"`
}

// DecodeNotice parses a server record.
func DecodeNotice(data []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(data, &n); err != nil {
		return Notice{}, fmt.Errorf("decode notice: %w", err)
	}
	return n, nil
}
