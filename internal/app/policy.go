package app

import "github.com/dkeye/swarm-relay/internal/core"

// Policy decides which clients see a payload another client sent.
type Policy interface {
	Echo(origin, target core.Conn) bool
}

// SimplePolicy echoes to every client, the sender included unless
// SkipSender is set.
type SimplePolicy struct {
	SkipSender bool
}

func (p SimplePolicy) Echo(origin, target core.Conn) bool {
	return !p.SkipSender || origin != target
}
