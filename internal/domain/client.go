package domain

import "github.com/google/uuid"

// ClientID identifies one browser socket for the lifetime of that socket.
// Two tabs sharing a session cookie still get distinct ids.
type ClientID string

func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}
