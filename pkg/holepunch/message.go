// Package holepunch opens direct UDP paths between two peers that learned
// each other's public endpoint from a rendezvous server, and carries small
// JSON datagrams over them.
package holepunch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the type of a datagram
type Kind string

const (
	KindProbe   Kind = "hello"
	KindPayload Kind = "chat"
)

// Message is a decoded datagram: Probe, Payload or Unknown.
type Message interface {
	Kind() Kind
}

// Probe is a hole-punching datagram. It carries no data; its only job is to
// make the sender's NAT open a mapping towards the peer.
type Probe struct {
	From string `json:"from"`
	Seq  int    `json:"seq"`
}

func (Probe) Kind() Kind { return KindProbe }

// Payload is a text message between two named peers.
type Payload struct {
	From string  `json:"from"`
	To   string  `json:"to"`
	TS   float64 `json:"ts"` // Unix seconds
	Msg  string  `json:"msg"`
}

func (Payload) Kind() Kind { return KindPayload }

// Time returns the send time recorded by the sender.
func (p Payload) Time() time.Time {
	sec := int64(p.TS)
	nsec := int64((p.TS - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// NewPayload creates a payload stamped with the current time.
func NewPayload(from, to, text string) Payload {
	return Payload{
		From: from,
		To:   to,
		TS:   float64(time.Now().UnixNano()) / 1e9,
		Msg:  text,
	}
}

// Unknown is a well-formed datagram of a type this package does not handle.
// It is passed through untouched.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (u Unknown) Kind() Kind { return Kind(u.Type) }

// ErrNotObject is returned by Decode for datagrams that are not JSON objects.
var ErrNotObject = errors.New("datagram is not a JSON object")

type probeWire struct {
	Type Kind `json:"type"`
	Probe
}

type payloadWire struct {
	Type Kind `json:"type"`
	Payload
}

// Encode serializes a message to its datagram form
func Encode(m Message) ([]byte, error) {
	switch m := m.(type) {
	case Probe:
		return json.Marshal(probeWire{Type: KindProbe, Probe: m})
	case Payload:
		return json.Marshal(payloadWire{Type: KindPayload, Payload: m})
	case Unknown:
		return m.Raw, nil
	default:
		return nil, fmt.Errorf("cannot encode %T", m)
	}
}

// Decode parses a datagram into its message variant. An object with a
// missing, unrecognized or non-string type yields Unknown.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode datagram: %w", err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}

	var kind string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &kind); err != nil {
			// Not a string: keep the raw token as the type name.
			kind = string(raw)
		}
	}

	switch Kind(kind) {
	case KindProbe:
		var p Probe
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode probe: %w", err)
		}
		return p, nil
	case KindPayload:
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return p, nil
	default:
		return Unknown{Type: kind, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
