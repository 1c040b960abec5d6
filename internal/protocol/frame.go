package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type codes on the relay wire.
const (
	FrameSync     byte = 0
	FramePresence byte = 1
)

// Message is the closed set of decoded relay frames. Type dispatch happens
// exactly once, at the wire boundary; everything past Decode works with one
// of the two concrete variants.
type Message interface {
	isMessage()
}

// SyncMessage carries replica state bytes: a full snapshot on join or an
// incremental update thereafter.
type SyncMessage struct {
	Origin  string
	Payload []byte
}

// PresenceMessage carries an encoded presence delta. Rebroadcast only,
// never persisted.
type PresenceMessage struct {
	Origin  string
	Payload []byte
}

func (SyncMessage) isMessage()     {}
func (PresenceMessage) isMessage() {}

// Encode frames a message as [type][originLen][origin][payload]. The origin
// replica id lets receivers drop their own frames after relay fan-out.
func Encode(msg Message) ([]byte, error) {
	var typ byte
	var origin string
	var payload []byte
	switch m := msg.(type) {
	case SyncMessage:
		typ, origin, payload = FrameSync, m.Origin, m.Payload
	case PresenceMessage:
		typ, origin, payload = FramePresence, m.Origin, m.Payload
	default:
		return nil, fmt.Errorf("unknown message type %T", msg)
	}
	if len(origin) > 255 {
		return nil, fmt.Errorf("origin id too long: %d bytes", len(origin))
	}
	out := make([]byte, 0, 2+len(origin)+len(payload))
	out = append(out, typ, byte(len(origin)))
	out = append(out, origin...)
	out = append(out, payload...)
	return out, nil
}

// Decode parses a wire frame into its tagged variant.
func Decode(data []byte) (Message, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	typ := data[0]
	originLen := int(data[1])
	if len(data) < 2+originLen {
		return nil, fmt.Errorf("frame truncated: origin length %d exceeds %d remaining bytes", originLen, len(data)-2)
	}
	origin := string(data[2 : 2+originLen])
	payload := data[2+originLen:]
	switch typ {
	case FrameSync:
		return SyncMessage{Origin: origin, Payload: payload}, nil
	case FramePresence:
		return PresenceMessage{Origin: origin, Payload: payload}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %d", typ)
	}
}

// Room subjects. The session code is the room's identity on the bus.
const subjectPrefix = "caption.room."

func SubjectJoin(room string) string  { return subjectPrefix + room + ".join" }
func SubjectUp(room string) string    { return subjectPrefix + room + ".up" }
func SubjectDown(room string) string  { return subjectPrefix + room + ".down" }
func SubjectLeave(room string) string { return subjectPrefix + room + ".leave" }

const (
	SubjectJoinWildcard  = subjectPrefix + "*.join"
	SubjectUpWildcard    = subjectPrefix + "*.up"
	SubjectLeaveWildcard = subjectPrefix + "*.leave"
)

// JoinRequest opens a room connection; Secret is the optional shared-secret
// check applied at connect time.
type JoinRequest struct {
	Replica string `json:"replica"`
	Name    string `json:"name"`
	Color   string `json:"color"`
	Role    string `json:"role"`
	Secret  string `json:"secret,omitempty"`
}

// JoinReply returns the full-state snapshot plus live presence, or a
// refusal.
type JoinReply struct {
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason,omitempty"`
	Snapshot []byte          `json:"snapshot,omitempty"`
	Presence json.RawMessage `json:"presence,omitempty"`
}

// LeaveNotice announces a clean disconnect.
type LeaveNotice struct {
	Replica string `json:"replica"`
}
