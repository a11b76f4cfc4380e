// Package swarm joins the relay to a libp2p swarm. Peers meet on a DHT
// namespace derived from the room topic and exchange length-delimited
// frames on a dedicated stream protocol.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/swarm-relay/internal/core"
	"github.com/dkeye/swarm-relay/internal/domain"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

const (
	ProtocolID      = protocol.ID("/swarm-relay/1.0.0")
	namespacePrefix = "/swarm-relay/"

	defaultLookupInterval = 30 * time.Second
	defaultDialTimeout    = 15 * time.Second
	defaultMaxMessageSize = 100 << 20
	defaultSendBuffer     = 64
)

var ErrClosed = errors.New("swarm closed")

type Config struct {
	ListenAddrs    []string
	BootstrapPeers []string
	LookupInterval time.Duration
	DialTimeout    time.Duration
	MaxMessageSize int
	SendBuffer     int
}

func (c *Config) setDefaults() {
	if c.LookupInterval <= 0 {
		c.LookupInterval = defaultLookupInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
}

// Namespace is the DHT key announced for a topic. Only the hash is ever
// published; the room name stays local.
func Namespace(t domain.Topic) string {
	return namespacePrefix + t.String()
}

// Swarm implements core.Swarm on top of a libp2p host.
type Swarm struct {
	host      host.Host
	discovery discovery.Discovery
	dht       *dht.IpfsDHT
	cfg       Config
	handler   core.SwarmHandler

	mu      sync.Mutex
	topics  map[domain.Topic]context.CancelFunc
	peers   map[peer.ID]*peerConn
	dialing map[peer.ID]struct{}
	closed  bool
}

var _ core.Swarm = (*Swarm)(nil)

// New starts a libp2p host and a Kademlia DHT used for rendezvous.
func New(ctx context.Context, cfg Config) (*Swarm, error) {
	cfg.setDefaults()

	bootstrap, err := parseBootstrap(cfg.BootstrapPeers)
	if err != nil {
		return nil, err
	}
	if len(bootstrap) == 0 {
		bootstrap = dht.GetDefaultBootstrapPeerAddrInfos()
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}
	kdht, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer), dht.BootstrapPeers(bootstrap...))
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("kad dht: %w", err)
	}
	if err := kdht.Bootstrap(ctx); err != nil {
		_ = kdht.Close()
		_ = h.Close()
		return nil, fmt.Errorf("dht bootstrap: %w", err)
	}

	s := NewWithDiscovery(h, drouting.NewRoutingDiscovery(kdht), cfg)
	s.dht = kdht
	for _, pi := range bootstrap {
		go s.connectBootstrap(ctx, pi)
	}
	return s, nil
}

// NewWithDiscovery wraps an existing host with any rendezvous mechanism.
func NewWithDiscovery(h host.Host, d discovery.Discovery, cfg Config) *Swarm {
	cfg.setDefaults()
	return &Swarm{
		host:      h,
		discovery: d,
		cfg:       cfg,
		topics:    make(map[domain.Topic]context.CancelFunc),
		peers:     make(map[peer.ID]*peerConn),
		dialing:   make(map[peer.ID]struct{}),
	}
}

func parseBootstrap(addrs []string) ([]peer.AddrInfo, error) {
	mas := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q: %w", s, err)
		}
		mas = append(mas, m)
	}
	return peer.AddrInfosFromP2pAddrs(mas...)
}

func (s *Swarm) connectBootstrap(ctx context.Context, pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	if err := s.host.Connect(ctx, pi); err != nil {
		log.Debug().Err(err).Str("module", "adapters.swarm").Str("peer", pi.ID.String()).Msg("bootstrap connect failed")
		return
	}
	log.Info().Str("module", "adapters.swarm").Str("peer", pi.ID.String()).Msg("bootstrap connected")
}

// Start registers the stream protocol and routes events to h.
func (s *Swarm) Start(h core.SwarmHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	s.host.SetStreamHandler(ProtocolID, s.accept)

	addrs, _ := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: s.host.ID(), Addrs: s.host.Addrs()})
	for _, a := range addrs {
		log.Info().Str("module", "adapters.swarm").Str("addr", a.String()).Msg("swarm listening")
	}
}

func (s *Swarm) ID() peer.ID { return s.host.ID() }

// Join announces and/or looks up topic until Leave or ctx is done.
// Joining an already joined topic is a no-op.
func (s *Swarm) Join(ctx context.Context, topic domain.Topic, opts core.JoinOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.topics[topic]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.topics[topic] = cancel

	if opts.Announce {
		go s.announce(ctx, Namespace(topic))
	}
	if opts.Lookup {
		go s.lookup(ctx, topic)
	}
	log.Info().
		Str("module", "adapters.swarm").
		Str("topic", topic.String()).
		Bool("announce", opts.Announce).
		Bool("lookup", opts.Lookup).
		Msg("joined topic")
	return nil
}

// Leave stops announcing and looking up topic. Established peer streams
// stay open.
func (s *Swarm) Leave(topic domain.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.topics[topic]
	if !ok {
		return nil
	}
	cancel()
	delete(s.topics, topic)
	log.Info().Str("module", "adapters.swarm").Str("topic", topic.String()).Msg("left topic")
	return nil
}

func (s *Swarm) announce(ctx context.Context, ns string) {
	for {
		wait := s.cfg.LookupInterval
		ttl, err := s.discovery.Advertise(ctx, ns)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			s.report(fmt.Errorf("%w: advertise: %w", core.ErrDiscovery, err))
		case ttl > 0:
			wait = ttl * 7 / 8
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (s *Swarm) lookup(ctx context.Context, topic domain.Topic) {
	ns := Namespace(topic)
	for {
		found, err := s.discovery.FindPeers(ctx, ns)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.report(fmt.Errorf("%w: find peers: %w", core.ErrDiscovery, err))
		} else {
			for pi := range found {
				if pi.ID == s.host.ID() || pi.ID == "" {
					continue
				}
				log.Debug().Str("module", "adapters.swarm").Str("peer", pi.ID.String()).Msg("peer discovered")
				go s.dial(ctx, pi, topic)
			}
		}
		if !sleep(ctx, s.cfg.LookupInterval) {
			return
		}
	}
}

func (s *Swarm) dial(ctx context.Context, pi peer.AddrInfo, topic domain.Topic) {
	s.mu.Lock()
	_, connected := s.peers[pi.ID]
	_, inFlight := s.dialing[pi.ID]
	if s.closed || connected || inFlight {
		s.mu.Unlock()
		return
	}
	s.dialing[pi.ID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.dialing, pi.ID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	if err := s.host.Connect(ctx, pi); err != nil {
		log.Debug().Err(err).Str("module", "adapters.swarm").Str("peer", pi.ID.String()).Msg("dial failed")
		return
	}
	if err := s.open(ctx, pi.ID, topic); err != nil {
		log.Debug().Err(err).Str("module", "adapters.swarm").Str("peer", pi.ID.String()).Msg("open stream failed")
	}
}

// open starts a relay stream to p for topic and adopts it once the remote
// confirms the topic.
func (s *Swarm) open(ctx context.Context, p peer.ID, topic domain.Topic) error {
	st, err := s.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return err
	}
	_ = st.SetDeadline(time.Now().Add(s.cfg.DialTimeout))
	if err := writeHello(st, topic); err != nil {
		_ = st.Reset()
		return fmt.Errorf("write hello: %w", err)
	}
	got, err := readHello(st)
	if err != nil {
		_ = st.Reset()
		return err
	}
	if got != topic {
		_ = st.Reset()
		return ErrTopicMismatch
	}
	_ = st.SetDeadline(time.Time{})
	s.attach(st)
	return nil
}

// accept handles an inbound relay stream. Streams for a topic this node
// has not joined, or has since left, are reset.
func (s *Swarm) accept(st network.Stream) {
	remote := st.Conn().RemotePeer()
	_ = st.SetDeadline(time.Now().Add(s.cfg.DialTimeout))
	topic, err := readHello(st)
	if err != nil {
		log.Debug().Err(err).Str("module", "adapters.swarm").Str("peer", remote.String()).Msg("inbound hello failed")
		_ = st.Reset()
		return
	}
	if !s.joined(topic) {
		log.Debug().
			Str("module", "adapters.swarm").
			Str("peer", remote.String()).
			Str("topic", topic.String()).
			Msg("stream for foreign topic rejected")
		_ = st.Reset()
		return
	}
	if err := writeHello(st, topic); err != nil {
		log.Debug().Err(err).Str("module", "adapters.swarm").Str("peer", remote.String()).Msg("inbound hello reply failed")
		_ = st.Reset()
		return
	}
	_ = st.SetDeadline(time.Time{})
	s.attach(st)
}

func (s *Swarm) joined(topic domain.Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

// attach adopts a relay stream, inbound or outbound. With two streams to
// the same peer both sides keep the one opened by the lower peer ID.
func (s *Swarm) attach(st network.Stream) {
	remote := st.Conn().RemotePeer()

	s.mu.Lock()
	if s.closed || s.handler == nil {
		s.mu.Unlock()
		_ = st.Reset()
		return
	}
	existing, dup := s.peers[remote]
	if dup && !s.prefer(st, existing.stream) {
		s.mu.Unlock()
		log.Debug().Str("module", "adapters.swarm").Str("peer", remote.String()).Msg("duplicate stream dropped")
		_ = st.Reset()
		return
	}
	pc := newPeerConn(remote, st, s.cfg.SendBuffer)
	s.peers[remote] = pc
	handler := s.handler
	s.mu.Unlock()

	if dup {
		log.Debug().Str("module", "adapters.swarm").Str("peer", remote.String()).Msg("replacing duplicate stream")
		existing.reset()
	}

	log.Info().
		Str("module", "adapters.swarm").
		Str("peer", remote.String()).
		Str("direction", st.Stat().Direction.String()).
		Msg("peer connected")
	handler.OnPeerConnected(pc)

	go pc.writeLoop()
	go s.readLoop(pc, handler)
}

func (s *Swarm) initiator(st network.Stream) peer.ID {
	if st.Stat().Direction == network.DirOutbound {
		return s.host.ID()
	}
	return st.Conn().RemotePeer()
}

func (s *Swarm) prefer(candidate, current network.Stream) bool {
	a, b := s.initiator(candidate), s.initiator(current)
	if a == b {
		return true
	}
	return a < b
}

func (s *Swarm) readLoop(pc *peerConn, handler core.SwarmHandler) {
	err := pc.readFrames(s.cfg.MaxMessageSize, func(msg []byte) {
		handler.OnPeerData(pc, msg)
	})

	s.mu.Lock()
	if s.peers[pc.peer] == pc {
		delete(s.peers, pc.peer)
	}
	s.mu.Unlock()

	pc.Close()
	log.Info().Err(err).Str("module", "adapters.swarm").Str("peer", pc.peer.String()).Msg("peer disconnected")
	handler.OnPeerClosed(pc)
}

func (s *Swarm) report(err error) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.OnSwarmError(err)
		return
	}
	log.Error().Err(err).Str("module", "adapters.swarm").Msg("swarm error")
}

// PeerCount reports the number of live peer streams.
func (s *Swarm) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Run blocks until ctx is done, then shuts the swarm down.
func (s *Swarm) Run(ctx context.Context) error {
	<-ctx.Done()
	return s.Close()
}

func (s *Swarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for topic, cancel := range s.topics {
		cancel()
		delete(s.topics, topic)
	}
	peers := make([]*peerConn, 0, len(s.peers))
	for _, pc := range s.peers {
		peers = append(peers, pc)
	}
	s.mu.Unlock()

	s.host.RemoveStreamHandler(ProtocolID)
	for _, pc := range peers {
		pc.reset()
	}
	var errs []error
	if s.dht != nil {
		errs = append(errs, s.dht.Close())
	}
	errs = append(errs, s.host.Close())
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
