package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/swarm-relay/internal/core"
	"github.com/dkeye/swarm-relay/internal/domain"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

// rendezvous is an in-memory stand-in for the DHT.
type rendezvous struct {
	mu  sync.Mutex
	ads map[string]map[peer.ID]peer.AddrInfo
}

func newRendezvous() *rendezvous {
	return &rendezvous{ads: make(map[string]map[peer.ID]peer.AddrInfo)}
}

type rendezvousClient struct {
	rv *rendezvous
	h  host.Host
}

func (rv *rendezvous) client(h host.Host) discovery.Discovery {
	return &rendezvousClient{rv: rv, h: h}
}

func (c *rendezvousClient) Advertise(_ context.Context, ns string, _ ...discovery.Option) (time.Duration, error) {
	c.rv.mu.Lock()
	defer c.rv.mu.Unlock()
	if c.rv.ads[ns] == nil {
		c.rv.ads[ns] = make(map[peer.ID]peer.AddrInfo)
	}
	c.rv.ads[ns][c.h.ID()] = peer.AddrInfo{ID: c.h.ID(), Addrs: c.h.Addrs()}
	return time.Minute, nil
}

func (c *rendezvousClient) FindPeers(_ context.Context, ns string, _ ...discovery.Option) (<-chan peer.AddrInfo, error) {
	c.rv.mu.Lock()
	defer c.rv.mu.Unlock()
	out := make(chan peer.AddrInfo, len(c.rv.ads[ns]))
	for _, pi := range c.rv.ads[ns] {
		out <- pi
	}
	close(out)
	return out, nil
}

// recorder is a core.SwarmHandler tracking live peers and received data.
type recorder struct {
	mu    sync.Mutex
	live  map[core.Conn]struct{}
	data  []string
	order map[core.Conn][]string
}

func newRecorder() *recorder {
	return &recorder{live: make(map[core.Conn]struct{}), order: make(map[core.Conn][]string)}
}

func (r *recorder) OnPeerConnected(p core.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[p] = struct{}{}
	r.order[p] = append(r.order[p], "connected")
}

func (r *recorder) OnPeerData(p core.Conn, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, string(data))
	r.order[p] = append(r.order[p], "data")
}

func (r *recorder) OnPeerClosed(p core.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, p)
	r.order[p] = append(r.order[p], "closed")
}

func (r *recorder) OnSwarmError(error) {}

func (r *recorder) liveConns() []core.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Conn, 0, len(r.live))
	for c := range r.live {
		out = append(out, c)
	}
	return out
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data...)
}

func (r *recorder) lifecycles() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, 0, len(r.order))
	for _, o := range r.order {
		out = append(out, append([]string(nil), o...))
	}
	return out
}

// settled reports whether exactly one conn is live and every other conn
// went from connected to closed.
func (r *recorder) settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.live) != 1 {
		return false
	}
	for c, o := range r.order {
		if len(o) == 0 || o[0] != "connected" {
			return false
		}
		_, live := r.live[c]
		if live != (o[len(o)-1] != "closed") {
			return false
		}
	}
	return true
}

func newTestSwarm(t *testing.T, rv *rendezvous) (*Swarm, *recorder) {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	s := NewWithDiscovery(h, rv.client(h), Config{LookupInterval: 50 * time.Millisecond, DialTimeout: 5 * time.Second})
	rec := newRecorder()
	s.Start(rec)
	t.Cleanup(func() { _ = s.Close() })
	return s, rec
}

func TestTwoSwarmsMeetOnTopic(t *testing.T) {
	rv := newRendezvous()
	a, recA := newTestSwarm(t, rv)
	b, recB := newTestSwarm(t, rv)

	topic, err := domain.DeriveTopic("lobby")
	require.NoError(t, err)
	ctx := context.Background()
	opts := core.JoinOptions{Lookup: true, Announce: true}
	require.NoError(t, a.Join(ctx, topic, opts))
	require.NoError(t, b.Join(ctx, topic, opts))

	require.Eventually(t, func() bool {
		return len(recA.liveConns()) == 1 && len(recB.liveConns()) == 1 &&
			a.PeerCount() == 1 && b.PeerCount() == 1
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		conns := recA.liveConns()
		if len(conns) != 1 {
			return false
		}
		_ = conns[0].TrySend(core.Frame(`{"text":"ping"}`))
		for _, m := range recB.received() {
			if m == `{"text":"ping"}` {
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		return len(recA.liveConns()) == 0
	}, 10*time.Second, 20*time.Millisecond)

	for _, lc := range recA.lifecycles() {
		require.Equal(t, "connected", lc[0])
		require.Equal(t, "closed", lc[len(lc)-1])
	}
}

func TestSwarmsOnDifferentTopicsStayApart(t *testing.T) {
	rv := newRendezvous()
	a, recA := newTestSwarm(t, rv)
	b, _ := newTestSwarm(t, rv)

	red, _ := domain.DeriveTopic("red")
	blue, _ := domain.DeriveTopic("blue")
	opts := core.JoinOptions{Lookup: true, Announce: true}
	require.NoError(t, a.Join(context.Background(), red, opts))
	require.NoError(t, b.Join(context.Background(), blue, opts))

	time.Sleep(300 * time.Millisecond)
	require.Empty(t, recA.liveConns())
}

func TestJoinLeaveIdempotent(t *testing.T) {
	rv := newRendezvous()
	a, _ := newTestSwarm(t, rv)
	topic, _ := domain.DeriveTopic("lobby")
	opts := core.JoinOptions{Lookup: true, Announce: true}

	require.NoError(t, a.Join(context.Background(), topic, opts))
	require.NoError(t, a.Join(context.Background(), topic, opts))
	require.NoError(t, a.Leave(topic))
	require.NoError(t, a.Leave(topic))

	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Join(context.Background(), topic, opts), ErrClosed)
}

func TestNamespaceHidesRoom(t *testing.T) {
	topic, _ := domain.DeriveTopic("secret-room")
	ns := Namespace(topic)
	require.NotContains(t, ns, "secret-room")
	require.Equal(t, namespacePrefix+topic.String(), ns)
}

func TestParseBootstrap(t *testing.T) {
	infos, err := parseBootstrap([]string{
		"/ip4/10.0.0.1/tcp/4001/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
		"/ip4/10.0.0.2/tcp/4001/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
	})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Len(t, infos[0].Addrs, 2)

	_, err = parseBootstrap([]string{"not-a-multiaddr"})
	require.Error(t, err)
}

func connectHosts(t *testing.T, from, to *Swarm) {
	t.Helper()
	require.NoError(t, from.host.Connect(context.Background(), peer.AddrInfo{ID: to.ID(), Addrs: to.host.Addrs()}))
}

func TestDuplicateStreamsKeepLowerInitiator(t *testing.T) {
	rv := newRendezvous()
	a, recA := newTestSwarm(t, rv)
	b, recB := newTestSwarm(t, rv)

	topic, _ := domain.DeriveTopic("lobby")
	ctx := context.Background()
	require.NoError(t, a.Join(ctx, topic, core.JoinOptions{}))
	require.NoError(t, b.Join(ctx, topic, core.JoinOptions{}))
	connectHosts(t, a, b)

	require.NoError(t, a.open(ctx, b.ID(), topic))
	require.Eventually(t, func() bool {
		return a.PeerCount() == 1 && b.PeerCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// the second stream either replaces the first on both sides or is
	// reset by both; the opener may see the reset
	_ = b.open(ctx, a.ID(), topic)

	require.Eventually(t, func() bool {
		return recA.settled() && recB.settled() && a.PeerCount() == 1 && b.PeerCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	aOpened := a.ID() < b.ID()
	liveA := recA.liveConns()[0].(*peerConn)
	liveB := recB.liveConns()[0].(*peerConn)
	require.Equal(t, aOpened, liveA.stream.Stat().Direction == network.DirOutbound)
	require.Equal(t, !aOpened, liveB.stream.Stat().Direction == network.DirOutbound)

	lifecycles := recA.lifecycles()
	if aOpened {
		require.Len(t, lifecycles, 1)
	} else {
		require.Len(t, lifecycles, 2)
	}

	require.NoError(t, liveA.TrySend(core.Frame(`{"text":"survivor"}`)))
	require.Eventually(t, func() bool {
		got := recB.received()
		return len(got) == 1 && got[0] == `{"text":"survivor"}`
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamForForeignTopicIsRejected(t *testing.T) {
	rv := newRendezvous()
	a, recA := newTestSwarm(t, rv)
	b, recB := newTestSwarm(t, rv)

	red, _ := domain.DeriveTopic("red")
	blue, _ := domain.DeriveTopic("blue")
	ctx := context.Background()
	require.NoError(t, a.Join(ctx, red, core.JoinOptions{}))
	require.NoError(t, b.Join(ctx, red, core.JoinOptions{}))
	require.NoError(t, b.Leave(red))
	require.NoError(t, b.Join(ctx, blue, core.JoinOptions{}))
	connectHosts(t, a, b)

	// b left red, so a stale advertisement must not bridge a into blue
	require.Error(t, a.open(ctx, b.ID(), red))

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, recA.liveConns())
	require.Empty(t, recB.liveConns())
	require.Zero(t, a.PeerCount())
	require.Zero(t, b.PeerCount())
}
