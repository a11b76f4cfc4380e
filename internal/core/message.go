package core

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

type MessageKind int

const (
	KindPayload MessageKind = iota
	KindJoin
)

func (k MessageKind) String() string {
	switch k {
	case KindJoin:
		return "join"
	default:
		return "payload"
	}
}

// ClientMessage is a decoded frame from a browser. Raw always holds the
// frame exactly as received.
type ClientMessage struct {
	Kind MessageKind
	Room string
	Raw  Frame
}

// ParseClientMessage classifies a client frame. Any valid JSON value that is
// not {"type":"join","room":<string>} is an opaque payload. Frames are
// relayed as websocket text, so they must be valid UTF-8.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	if !utf8.Valid(data) {
		return ClientMessage{}, fmt.Errorf("%w: invalid utf-8", ErrMessageParse)
	}
	if !json.Valid(data) {
		return ClientMessage{}, fmt.Errorf("%w: invalid json", ErrMessageParse)
	}
	msg := ClientMessage{Kind: KindPayload, Raw: Frame(data)}

	var env struct {
		Type string          `json:"type"`
		Room json.RawMessage `json:"room"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "join" {
		return msg, nil
	}
	var room string
	if len(env.Room) == 0 || env.Room[0] != '"' {
		// a join without a string room is ordinary content
		return msg, nil
	}
	if err := json.Unmarshal(env.Room, &room); err != nil {
		return msg, nil
	}
	msg.Kind = KindJoin
	msg.Room = room
	return msg, nil
}

type peerCountNotification struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// PeerCountFrame encodes the notification pushed to clients when the peer
// set changes.
func PeerCountFrame(count int) Frame {
	b, _ := json.Marshal(peerCountNotification{Type: "peer_count", Count: count})
	return b
}
