package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/swarm-relay/internal/core"
	"github.com/dkeye/swarm-relay/internal/domain"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []string
	closed bool
	fail   error
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, string(f))
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

type swarmCall struct {
	op    string
	topic domain.Topic
	opts  core.JoinOptions
}

type fakeSwarm struct {
	mu      sync.Mutex
	calls   []swarmCall
	joinErr error
}

func (s *fakeSwarm) Join(_ context.Context, topic domain.Topic, opts core.JoinOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, swarmCall{op: "join", topic: topic, opts: opts})
	return s.joinErr
}

func (s *fakeSwarm) Leave(topic domain.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, swarmCall{op: "leave", topic: topic})
	return nil
}

func (s *fakeSwarm) history() []swarmCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]swarmCall(nil), s.calls...)
}

var errBroken = errors.New("broken pipe")

func mustTopic(room string) domain.Topic {
	t, err := domain.DeriveTopic(room)
	if err != nil {
		panic(err)
	}
	return t
}
