package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dkeye/swarm-relay/internal/core"
	"github.com/dkeye/swarm-relay/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var joinOptions = core.JoinOptions{Lookup: true, Announce: true}

// Relay bridges browser clients and swarm peers inside one shared topic.
// Each Relay is a self-contained context; nothing here is package state.
type Relay struct {
	Clients *Registry
	Peers   *Registry

	ctx    context.Context
	swarm  core.Swarm
	policy Policy
	joins  *JoinLimiter

	mu     sync.Mutex
	room   domain.RoomName
	topic  domain.Topic
	joined bool
}

type Options struct {
	Policy      Policy
	JoinLimiter *JoinLimiter
}

// NewRelay binds the relay to swarm. ctx bounds every topic join.
func NewRelay(ctx context.Context, swarm core.Swarm, opts Options) *Relay {
	r := &Relay{
		Clients: NewRegistry("app.clients"),
		ctx:     ctx,
		swarm:   swarm,
		policy:  opts.Policy,
		joins:   opts.JoinLimiter,
	}
	if r.policy == nil {
		r.policy = SimplePolicy{}
	}
	r.Peers = NewPeerRegistry(r.broadcastPeerCount)
	return r
}

var (
	_ core.ClientHandler = (*Relay)(nil)
	_ core.SwarmHandler  = (*Relay)(nil)
)

// OnClientConnected registers the client and tells it the current peer count.
func (r *Relay) OnClientConnected(c core.Conn) {
	// Holding the peer set still keeps this first count ordered with the
	// notifications that follow it.
	r.Peers.Observe(func(count int) {
		if r.Clients.Add(c) {
			r.send(c, core.PeerCountFrame(count), "client")
		}
	})
}

func (r *Relay) OnClientMessage(origin core.Conn, raw []byte) {
	msg, err := core.ParseClientMessage(raw)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("conn", origin.ID()).Msg("dropping client message")
		return
	}
	switch msg.Kind {
	case core.KindJoin:
		r.handleJoin(origin, msg.Room)
	default:
		r.handlePayload(origin, msg.Raw)
	}
}

func (r *Relay) OnClientClosed(c core.Conn) {
	if r.Clients.Remove(c) {
		r.joins.Forget(c.ID())
	}
}

func (r *Relay) OnPeerConnected(p core.Conn) {
	r.Peers.Add(p)
}

// OnPeerData forwards a peer payload to every client as text.
// Nothing is sent back into the swarm.
func (r *Relay) OnPeerData(origin core.Conn, data []byte) {
	if !utf8.Valid(data) {
		data = []byte(strings.ToValidUTF8(string(data), "\uFFFD"))
	}
	sent, failed := r.fanout(r.Clients.Snapshot(), core.Frame(data), "client", nil)
	log.Debug().
		Str("module", "app.relay").
		Str("peer", origin.ID()).
		Int("sent_to", sent).
		Int("failed", failed).
		Msg("peer payload relayed")
}

func (r *Relay) OnPeerClosed(p core.Conn) {
	r.Peers.Remove(p)
}

func (r *Relay) OnSwarmError(err error) {
	log.Error().Err(err).Str("module", "app.relay").Msg("swarm error")
}

func (r *Relay) handleJoin(origin core.Conn, raw string) {
	logger := log.With().Str("module", "app.relay").Str("conn", origin.ID()).Logger()

	if !r.joins.Allow(origin.ID()) {
		logger.Warn().Msg("join rate exceeded, dropping")
		return
	}
	name, err := domain.NewRoomName(raw)
	if err != nil {
		logger.Warn().Err(err).Msg("rejecting join")
		return
	}
	topic := name.Topic()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.joined && r.topic == topic {
		logger.Debug().Str("topic", topic.String()).Msg("topic already joined")
		return
	}
	if r.joined {
		if err := r.swarm.Leave(r.topic); err != nil {
			logger.Error().Err(fmt.Errorf("%w: %w", core.ErrDiscovery, err)).Str("topic", r.topic.String()).Msg("leave failed")
		}
		logger.Info().Str("topic", r.topic.String()).Msg("left previous topic")
		r.room, r.topic, r.joined = "", domain.Topic{}, false
	}
	if err := r.swarm.Join(r.ctx, topic, joinOptions); err != nil {
		logger.Error().Err(fmt.Errorf("%w: %w", core.ErrDiscovery, err)).Str("topic", topic.String()).Msg("join failed")
		return
	}
	r.room, r.topic, r.joined = name, topic, true
	logger.Info().Str("topic", topic.String()).Msg("joined room swarm")
}

func (r *Relay) handlePayload(origin core.Conn, f core.Frame) {
	toPeers, peerFailed := r.fanout(r.Peers.Snapshot(), f, "peer", nil)
	toClients, clientFailed := r.fanout(r.Clients.Snapshot(), f, "client", func(c core.Conn) bool {
		return r.policy.Echo(origin, c)
	})
	log.Debug().
		Str("module", "app.relay").
		Str("conn", origin.ID()).
		Int("peers", toPeers).
		Int("clients", toClients).
		Int("failed", peerFailed+clientFailed).
		Msg("client payload relayed")
}

// broadcastPeerCount runs under the peer registry lock.
func (r *Relay) broadcastPeerCount(count int) {
	r.fanout(r.Clients.Snapshot(), core.PeerCountFrame(count), "client", nil)
}

// fanout delivers f to every target accepted by filter. A failing target
// is logged and skipped; it stays registered until its transport closes.
func (r *Relay) fanout(targets []core.Conn, f core.Frame, kind string, filter func(core.Conn) bool) (sent, failed int) {
	for _, t := range targets {
		if filter != nil && !filter(t) {
			continue
		}
		if r.send(t, f, kind) {
			sent++
		} else {
			failed++
		}
	}
	return sent, failed
}

func (r *Relay) send(t core.Conn, f core.Frame, kind string) bool {
	err := t.TrySend(f)
	if err == nil {
		return true
	}
	lvl := zerolog.WarnLevel
	if errors.Is(err, core.ErrConnClosed) {
		lvl = zerolog.DebugLevel
	}
	log.WithLevel(lvl).
		Err(fmt.Errorf("%w: %w", core.ErrTransportWrite, err)).
		Str("module", "app.relay").
		Str("target", kind).
		Str("conn", t.ID()).
		Msg("send failed")
	return false
}

type Status struct {
	Room    string `json:"room,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Clients int    `json:"clients"`
	Peers   int    `json:"peers"`
}

func (r *Relay) Status() Status {
	r.mu.Lock()
	st := Status{}
	if r.joined {
		st.Room = string(r.room)
		st.Topic = r.topic.String()
	}
	r.mu.Unlock()
	st.Clients = r.Clients.Size()
	st.Peers = r.Peers.Size()
	return st
}

// Topic reports the active topic, if any.
func (r *Relay) Topic() (domain.Topic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topic, r.joined
}

// Close leaves the active topic. Connections are owned by their adapters.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.joined {
		return
	}
	if err := r.swarm.Leave(r.topic); err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("leave on close failed")
	}
	r.room, r.topic, r.joined = "", domain.Topic{}, false
}
