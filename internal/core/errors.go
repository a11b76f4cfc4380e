package core

import "errors"

var (
	ErrMessageParse   = errors.New("malformed client message")
	ErrTransportWrite = errors.New("transport write failed")
	ErrDiscovery      = errors.New("swarm discovery error")

	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)
