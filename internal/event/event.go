// Package event provides the PDU (Persistent Data Unit) model for room
// events: the wire representation, the closed content union, canonical
// JSON serialization, reference hashing (event identity), and ed25519
// signing and verification.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Matrix event types handled by this server.
const (
	TypeMessage           = "m.room.message"
	TypeMember            = "m.room.member"
	TypeName              = "m.room.name"
	TypeTopic             = "m.room.topic"
	TypeAvatar            = "m.room.avatar"
	TypeCanonicalAlias    = "m.room.canonical_alias"
	TypeCreate            = "m.room.create"
	TypePowerLevels       = "m.room.power_levels"
	TypeJoinRules         = "m.room.join_rules"
	TypeHistoryVisibility = "m.room.history_visibility"
)

// ErrMissingStateKey is returned when a state operation is attempted on
// an event that carries no state_key.
var ErrMissingStateKey = errors.New("event: state event has no state_key")

// PDU is a signed, content-addressed unit of room history. A PDU is
// immutable once its reference hash has been computed: signatures must
// be attached before the id is derived and persisted.
//
// Unsigned and Signatures are excluded from hashing; Signatures alone
// is excluded from signing.
type PDU struct {
	EventType      string                       `json:"type"`
	RoomID         string                       `json:"room_id"`
	Sender         string                       `json:"sender"`
	Origin         string                       `json:"origin"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Depth          int64                        `json:"depth"`
	PrevEvents     []string                     `json:"prev_events"`
	AuthEvents     []string                     `json:"auth_events"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Content        json.RawMessage              `json:"content"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       json.RawMessage              `json:"unsigned,omitempty"`
}

// IsState reports whether the event is a state event (carries a state_key).
func (p *PDU) IsState() bool {
	return p.StateKey != nil
}

// StateKeyOrErr returns the event's state key, or ErrMissingStateKey if
// the event carries none. Callers in the ingestion path must use this
// instead of dereferencing StateKey directly.
func (p *PDU) StateKeyOrErr() (string, error) {
	if p.StateKey == nil {
		return "", fmt.Errorf("%w (type=%s)", ErrMissingStateKey, p.EventType)
	}
	return *p.StateKey, nil
}

// Decode parses a PDU from raw JSON and validates its content against
// the closed content union. Malformed JSON or an unsupported content
// variant fails closed.
func Decode(raw []byte) (*PDU, error) {
	var p PDU
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("event: decode pdu: %w", err)
	}
	if p.EventType == "" {
		return nil, fmt.Errorf("event: decode pdu: missing type")
	}
	if _, err := DecodeContent(p.EventType, p.Content); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode serializes a PDU to JSON.
func (p *PDU) Encode() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("event: encode pdu: %w", err)
	}
	return raw, nil
}
