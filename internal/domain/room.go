// Package domain contains entities without transport logic, just meta-data
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const MaxRoomNameLen = 256

var (
	ErrInvalidRoom = errors.New("invalid room: empty name")
	ErrRoomTooLong = errors.New("invalid room: name too long")
)

// RoomName is a trimmed, non-empty room identifier chosen by a client.
// It never leaves the process; peers only ever see its Topic.
type RoomName string

// Topic is the 32-byte rendezvous token derived from a RoomName.
type Topic [sha256.Size]byte

func NewRoomName(raw string) (RoomName, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", ErrInvalidRoom
	}
	if len(name) > MaxRoomNameLen {
		return "", ErrRoomTooLong
	}
	return RoomName(name), nil
}

func (r RoomName) Topic() Topic {
	return sha256.Sum256([]byte(r))
}

// DeriveTopic validates raw as a room name and hashes it.
func DeriveTopic(raw string) (Topic, error) {
	name, err := NewRoomName(raw)
	if err != nil {
		return Topic{}, err
	}
	return name.Topic(), nil
}

func (t Topic) String() string { return hex.EncodeToString(t[:]) }

func (t Topic) IsZero() bool { return t == Topic{} }
