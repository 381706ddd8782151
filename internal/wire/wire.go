// Package wire defines the JSON frames exchanged over the group WebSocket.
//
// Every frame is a JSON object with a "type" discriminator. Decode turns a
// frame into one of the concrete message structs below; frames with an
// unrecognised type decode to *Unknown so they can still be routed.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	TypeChat              Type = "message"
	TypeCallStart         Type = "call_start"
	TypeCallEnd           Type = "call_end"
	TypeCallAccept        Type = "call_accept"
	TypeCallDecline       Type = "call_decline"
	TypeIncomingCall      Type = "incoming_call"
	TypeOffer             Type = "webrtc_offer"
	TypeAnswer            Type = "webrtc_answer"
	TypeICECandidate      Type = "webrtc_ice_candidate"
	TypeParticipantReady  Type = "participant_ready"
	TypeParticipantsList  Type = "participants_list"
	TypeMuteStatusChanged Type = "mute_status_changed"
	TypeUserJoined        Type = "user_joined"
	TypeUserLeft          Type = "user_left"
	TypeError             Type = "error"
)

var ErrNoType = errors.New("wire: frame has no type")

// Message is any frame that can travel over the channel.
type Message interface {
	Kind() Type
}

type envelope struct {
	Type Type `json:"type"`
}

// Encode serializes m and injects its type discriminator.
func Encode(m Message) ([]byte, error) {
	if u, ok := m.(*Unknown); ok {
		return u.Raw, nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", m.Kind(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("wire: encode %s: not an object", m.Kind())
	}
	head, err := json.Marshal(m.Kind())
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + len(head) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(head)
	if !bytes.Equal(body, []byte("{}")) {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// Peek returns the type discriminator of a raw frame.
func Peek(data []byte) (Type, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("wire: bad frame: %w", err)
	}
	if env.Type == "" {
		return "", ErrNoType
	}
	return env.Type, nil
}

// Decode parses a frame into its concrete message.
func Decode(data []byte) (Message, error) {
	t, err := Peek(data)
	if err != nil {
		return nil, err
	}
	m := newMessage(t)
	if u, ok := m.(*Unknown); ok {
		u.Raw = append(json.RawMessage(nil), data...)
		return u, nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", t, err)
	}
	return m, nil
}

func newMessage(t Type) Message {
	switch t {
	case TypeChat:
		return &Chat{}
	case TypeCallStart:
		return &CallStart{}
	case TypeIncomingCall:
		return &IncomingCall{}
	case TypeCallEnd:
		return &CallEnd{}
	case TypeCallAccept:
		return &CallAccept{}
	case TypeCallDecline:
		return &CallDecline{}
	case TypeOffer:
		return &Offer{}
	case TypeAnswer:
		return &Answer{}
	case TypeICECandidate:
		return &ICECandidate{}
	case TypeParticipantReady:
		return &ParticipantReady{}
	case TypeParticipantsList:
		return &ParticipantsList{}
	case TypeMuteStatusChanged:
		return &MuteStatusChanged{}
	case TypeUserJoined:
		return &UserJoined{}
	case TypeUserLeft:
		return &UserLeft{}
	case TypeError:
		return &Error{}
	default:
		return &Unknown{T: t}
	}
}
