package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NoteKind tags a note variant on the wire.
type NoteKind string

const (
	NoteKindText              NoteKind = "text"
	NoteKindProtocolViolation NoteKind = "protocol_violation"
	NoteKindDHCPOption        NoteKind = "dhcp_option"
	NoteKindSSHKeyExchange    NoteKind = "ssh_key_exchange"
)

// ErrUnknownNoteKind is returned when a note carries a kind this node does not know.
var ErrUnknownNoteKind = errors.New("unknown note kind")

// Note is a structured annotation attached to a transaction. The set of
// variants is closed: TextNote, ProtocolViolationNote, DHCPOptionNote and
// SSHKeyExchangeNote.
type Note interface {
	Kind() NoteKind
	isNote()
}

// TextNote is a free text remark.
type TextNote struct {
	Message string `json:"message"`
}

// ProtocolViolationNote records a field that did not follow the protocol.
type ProtocolViolationNote struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// DHCPOptionNote records a DHCP option the tap could not map to an attribute.
type DHCPOptionNote struct {
	Code  uint8  `json:"code"`
	Value string `json:"value"`
}

// SSHKeyExchangeNote records the algorithms offered during key exchange.
type SSHKeyExchangeNote struct {
	Side       string   `json:"side"`
	Algorithms []string `json:"algorithms"`
}

func (TextNote) Kind() NoteKind              { return NoteKindText }
func (ProtocolViolationNote) Kind() NoteKind { return NoteKindProtocolViolation }
func (DHCPOptionNote) Kind() NoteKind        { return NoteKindDHCPOption }
func (SSHKeyExchangeNote) Kind() NoteKind    { return NoteKindSSHKeyExchange }

func (TextNote) isNote()              {}
func (ProtocolViolationNote) isNote() {}
func (DHCPOptionNote) isNote()        {}
func (SSHKeyExchangeNote) isNote()    {}

// Notes is an ordered list of notes encoded as [{"kind": ..., "payload": ...}].
type Notes []Note

type noteEnvelope struct {
	Kind    NoteKind        `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (n Notes) MarshalJSON() ([]byte, error) {
	envelopes := make([]noteEnvelope, 0, len(n))
	for _, note := range n {
		payload, err := json.Marshal(note)
		if err != nil {
			return nil, fmt.Errorf("marshal %s note: %w", note.Kind(), err)
		}
		envelopes = append(envelopes, noteEnvelope{Kind: note.Kind(), Payload: payload})
	}
	return json.Marshal(envelopes)
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Notes) UnmarshalJSON(data []byte) error {
	var envelopes []noteEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}
	notes := make(Notes, 0, len(envelopes))
	for i, env := range envelopes {
		note, err := decodeNote(env)
		if err != nil {
			return fmt.Errorf("note %d: %w", i, err)
		}
		notes = append(notes, note)
	}
	*n = notes
	return nil
}

func decodeNote(env noteEnvelope) (Note, error) {
	switch env.Kind {
	case NoteKindText:
		return decodePayload[TextNote](env.Payload)
	case NoteKindProtocolViolation:
		return decodePayload[ProtocolViolationNote](env.Payload)
	case NoteKindDHCPOption:
		return decodePayload[DHCPOptionNote](env.Payload)
	case NoteKindSSHKeyExchange:
		return decodePayload[SSHKeyExchangeNote](env.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNoteKind, env.Kind)
	}
}

func decodePayload[T Note](payload json.RawMessage) (Note, error) {
	var note T
	if len(payload) == 0 {
		return note, nil
	}
	if err := json.Unmarshal(payload, &note); err != nil {
		return nil, err
	}
	return note, nil
}

// NoteString renders a note for logs.
func NoteString(note Note) string {
	switch v := note.(type) {
	case TextNote:
		return v.Message
	case ProtocolViolationNote:
		return fmt.Sprintf("%s: %s", v.Field, v.Detail)
	case DHCPOptionNote:
		return fmt.Sprintf("option %d=%s", v.Code, v.Value)
	case SSHKeyExchangeNote:
		return fmt.Sprintf("%s kex %v", v.Side, v.Algorithms)
	default:
		return string(note.Kind())
	}
}
