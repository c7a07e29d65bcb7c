package core_test

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vether/internal/core"
	"vether/internal/dictionary"
	"vether/internal/identity"
	"vether/internal/multicast"
	"vether/internal/proto"
	"vether/internal/testutil"
	"vether/internal/vnet"
)

const (
	startClock = int64(100000)
	pingMs     = int64(core.PingCheckInterval / time.Millisecond)
	granMs     = int64(core.TimerTaskGranularity / time.Millisecond)
)

// memStore is an in-memory data store implementing the chunked hook
// contract. chunk limits how much one read call returns, to exercise the
// reassembly loop.
type memStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	secure  map[string]bool
	chunk   int
	failPut bool
	puts    []string
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte), secure: make(map[string]bool)}
}

func (s *memStore) get(name string, buf []byte, off int64) (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[name]
	if !ok || off >= int64(len(blob)) {
		return -1, 0
	}
	n := copy(buf, blob[off:])
	if s.chunk > 0 && n > s.chunk {
		n = s.chunk
	}
	return n, int64(len(blob))
}

func (s *memStore) put(name string, data []byte, secure bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("disk full")
	}
	s.blobs[name] = append([]byte(nil), data...)
	s.secure[name] = secure
	s.puts = append(s.puts, name)
	return nil
}

type frameRec struct {
	nwid           uint64
	srcMac, dstMac proto.MAC
	etherType      int
	data           []byte
}

type cfgRec struct {
	nwid uint64
	op   vnet.ConfigOperation
}

// hostNode is one embedded node plus everything its hooks recorded.
type hostNode struct {
	mu       sync.Mutex
	store    *memStore
	addr     netip.AddrPort
	deadline int64
	node     *core.Node
	events   []core.Event
	frames   []frameRec
	cfgOps   []cfgRec
}

func (hn *hostNode) recordedEvents() []core.Event {
	hn.mu.Lock()
	defer hn.mu.Unlock()
	return append([]core.Event(nil), hn.events...)
}

func (hn *hostNode) countEvent(e core.Event) int {
	n := 0
	for _, got := range hn.recordedEvents() {
		if got == e {
			n++
		}
	}
	return n
}

type queuedPacket struct {
	to, from netip.AddrPort
	data     []byte
}

// harness wires nodes together through their hooks. Sends are queued and
// delivered by flush so a node's entry point never re-enters itself on the
// same goroutine.
type harness struct {
	t         *testing.T
	now       int64
	partition bool
	nodes     map[netip.AddrPort]*hostNode
	queueMu   sync.Mutex
	queue     []queuedPacket
}

func (h *harness) enqueue(p queuedPacket) {
	h.queueMu.Lock()
	h.queue = append(h.queue, p)
	h.queueMu.Unlock()
}

func (h *harness) dequeue() (queuedPacket, bool) {
	h.queueMu.Lock()
	defer h.queueMu.Unlock()
	if len(h.queue) == 0 {
		return queuedPacket{}, false
	}
	p := h.queue[0]
	h.queue = h.queue[1:]
	return p, true
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, now: startClock, nodes: make(map[netip.AddrPort]*hostNode)}
}

func (h *harness) newNode(t *testing.T, port uint16, override string) *hostNode {
	t.Helper()
	hn := &hostNode{
		store: newMemStore(),
		addr:  netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port),
	}
	h.nodes[hn.addr] = hn
	node, err := core.New(h.now, h.hooksFor(hn), override)
	require.NoError(t, err)
	hn.node = node
	return hn
}

func (h *harness) hooksFor(hn *hostNode) core.Hooks {
	return core.Hooks{
		DataStoreGet: hn.store.get,
		DataStorePut: hn.store.put,
		WirePacketSend: func(remote netip.AddrPort, _ int, data []byte) bool {
			h.enqueue(queuedPacket{to: remote, from: hn.addr, data: append([]byte(nil), data...)})
			return true
		},
		VirtualNetworkFrame: func(nwid uint64, srcMac, dstMac proto.MAC, etherType, _ int, data []byte) {
			hn.mu.Lock()
			hn.frames = append(hn.frames, frameRec{nwid, srcMac, dstMac, etherType, append([]byte(nil), data...)})
			hn.mu.Unlock()
		},
		VirtualNetworkConfig: func(nwid uint64, op vnet.ConfigOperation, _ *vnet.Config) {
			hn.mu.Lock()
			hn.cfgOps = append(hn.cfgOps, cfgRec{nwid, op})
			hn.mu.Unlock()
		},
		StatusCallback: func(e core.Event) {
			hn.mu.Lock()
			hn.events = append(hn.events, e)
			hn.mu.Unlock()
		},
	}
}

// flush delivers queued datagrams, including those generated while
// flushing, until the network is quiet.
func (h *harness) flush() {
	for {
		pkt, ok := h.dequeue()
		if !ok {
			return
		}
		if h.partition {
			continue
		}
		dst, ok := h.nodes[pkt.to]
		if !ok || dst.node == nil {
			continue
		}
		_ = dst.node.ProcessWirePacket(h.now, pkt.from, 0, pkt.data, &dst.deadline)
	}
}

func (h *harness) background(hn *hostNode) {
	require.NoError(h.t, hn.node.ProcessBackgroundTasks(h.now, &hn.deadline))
	h.flush()
}

func identityOf(t *testing.T, hn *hostNode) *identity.Identity {
	t.Helper()
	var st core.NodeStatus
	require.NoError(t, hn.node.Status(&st))
	id, err := identity.FromString(st.PublicIdentity)
	require.NoError(t, err)
	return id
}

// overrideNaming builds a root topology document naming each node a
// supernode at its harness address.
func overrideNaming(t *testing.T, sns ...*hostNode) string {
	t.Helper()
	entries := dictionary.New()
	for _, sn := range sns {
		id := identityOf(t, sn)
		entry := dictionary.New()
		entry.Set("id", id.String())
		entry.Set("udp", sn.addr.String())
		entries.Set(id.Address().String(), entry.String())
	}
	d := dictionary.New()
	d.Set("supernodes", entries.String())
	return d.String()
}

func TestColdStart(t *testing.T) {
	h := newHarness(t)
	hn := h.newNode(t, 9001, "")

	require.Equal(t, []string{"identity.secret", "identity.public"}, hn.store.puts)
	require.True(t, hn.store.secure["identity.secret"], "identity.secret must be written secure")
	require.False(t, hn.store.secure["identity.public"])
	require.Equal(t, []core.Event{core.EventUp}, hn.recordedEvents())

	var st core.NodeStatus
	require.NoError(t, hn.node.Status(&st))
	require.Zero(t, st.Desperation)
	require.False(t, st.Online)

	// The compiled-in default supernodes are in the peer set.
	peers := hn.node.Peers()
	require.Len(t, peers, 2)
	for _, p := range peers {
		require.True(t, p.Supernode)
	}
}

func TestIdentityBootstrapIsIdempotent(t *testing.T) {
	h := newHarness(t)
	hn := h.newNode(t, 9001, "")
	first := identityOf(t, hn)
	putsBefore := len(hn.store.puts)

	again, err := core.New(h.now, h.hooksFor(hn), "")
	require.NoError(t, err)
	var st core.NodeStatus
	require.NoError(t, again.Status(&st))
	require.Equal(t, first.Address().String(), st.Address.String())
	require.Len(t, hn.store.puts, putsBefore, "reconstruction must not rewrite the identity")
}

func TestIdentityBootstrapReadsInSmallChunks(t *testing.T) {
	h := newHarness(t)
	hn := h.newNode(t, 9001, "")
	first := identityOf(t, hn)

	hn.store.chunk = 7
	again, err := core.New(h.now, h.hooksFor(hn), "")
	require.NoError(t, err)
	var st core.NodeStatus
	require.NoError(t, again.Status(&st))
	require.Equal(t, first.Address(), st.Address)
}

func TestBootstrapPersistFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	hn := &hostNode{store: newMemStore(), addr: netip.MustParseAddrPort("127.0.0.1:9001")}
	hn.store.failPut = true
	_, err := core.New(h.now, h.hooksFor(hn), "")
	require.ErrorIs(t, err, core.ErrDataStoreFailed)
}

func TestDamagedIdentityRegenerated(t *testing.T) {
	h := newHarness(t)
	hn := &hostNode{store: newMemStore(), addr: netip.MustParseAddrPort("127.0.0.1:9001")}
	h.nodes[hn.addr] = hn
	hn.store.blobs["identity.secret"] = []byte("not an identity at all")

	node, err := core.New(h.now, h.hooksFor(hn), "")
	require.NoError(t, err)
	hn.node = node
	require.Contains(t, hn.store.puts, "identity.secret")
	id, err := identity.FromString(string(hn.store.blobs["identity.secret"]))
	require.NoError(t, err)
	require.True(t, id.HasPrivate())
}

func TestUnauthenticatedRootTopologyFallsBackToDefault(t *testing.T) {
	h := newHarness(t)
	hn := &hostNode{store: newMemStore(), addr: netip.MustParseAddrPort("127.0.0.1:9001")}
	h.nodes[hn.addr] = hn

	// A well-formed but unsigned document naming a bogus supernode.
	other, err := identity.Generate()
	require.NoError(t, err)
	entry := dictionary.New()
	entry.Set("id", other.String())
	entry.Set("udp", "192.0.2.1:1")
	sns := dictionary.New()
	sns.Set(other.Address().String(), entry.String())
	doc := dictionary.New()
	doc.Set("supernodes", sns.String())
	hn.store.blobs["root-topology"] = []byte(doc.String())

	node, err := core.New(h.now, h.hooksFor(hn), "")
	require.NoError(t, err)
	hn.node = node

	for _, p := range node.Peers() {
		require.NotEqual(t, other.Address(), p.Address, "unauthenticated supernode installed")
	}
	require.Len(t, node.Peers(), 2)
}

func TestOverrideRootTopologyWins(t *testing.T) {
	h := newHarness(t)
	sn := h.newNode(t, 9001, "")
	a := h.newNode(t, 9002, overrideNaming(t, sn))

	peers := a.node.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, identityOf(t, sn).Address(), peers[0].Address)
	require.True(t, peers[0].Supernode)
}

func TestDeadlineTriggersBackground(t *testing.T) {
	h := newHarness(t)
	sn := h.newNode(t, 9001, "")
	a := h.newNode(t, 9002, overrideNaming(t, sn))

	// Zero deadline forces the background loop before packet intake; the
	// zero-length packet itself is a no-op.
	require.Zero(t, a.deadline)
	require.NoError(t, a.node.ProcessWirePacket(h.now, netip.MustParseAddrPort("192.0.2.1:1"), 0, nil, &a.deadline))
	require.Greater(t, a.deadline, h.now)
	require.GreaterOrEqual(t, a.deadline-h.now, granMs)
	require.LessOrEqual(t, a.deadline-h.now, pingMs)

	// The ping fan-out reached the supernode and taught it about a.
	h.flush()
	found := false
	for _, p := range sn.node.Peers() {
		if p.Address == identityOf(t, a).Address() {
			found = true
		}
	}
	require.True(t, found, "supernode never heard a's keepalive")
}

func TestBackgroundIsSkippedBeforeDeadline(t *testing.T) {
	h := newHarness(t)
	a := h.newNode(t, 9001, "")
	h.background(a)
	deadlineBefore := a.deadline

	h.now += granMs / 2
	require.NoError(t, a.node.ProcessWirePacket(h.now, netip.MustParseAddrPort("192.0.2.1:1"), 0, nil, &a.deadline))
	require.Equal(t, deadlineBefore, a.deadline, "deadline must not move when the loop did not run")
}

func TestJoinLeaveRoundTrip(t *testing.T) {
	h := newHarness(t)
	a := h.newNode(t, 9001, "")
	a.node.SetNetconfMaster(staticMaster{})

	const nwid = uint64(42)
	require.NoError(t, a.node.Join(nwid))
	require.NoError(t, a.node.Join(nwid), "join must be idempotent")

	cfg := a.node.NetworkConfig(nwid)
	require.NotNil(t, cfg)
	require.Equal(t, nwid, cfg.NWID)
	require.Equal(t, vnet.StatusOK, cfg.Status)
	require.Len(t, a.node.Networks(), 1)
	require.Equal(t, 1, countOp(a, nwid, vnet.OpUp))

	require.NoError(t, a.node.Leave(nwid))
	require.Nil(t, a.node.NetworkConfig(nwid))
	require.Empty(t, a.node.Networks())
	require.Equal(t, 1, countOp(a, nwid, vnet.OpDestroy))

	require.NoError(t, a.node.Leave(nwid), "leave must be idempotent")
	require.Equal(t, 1, countOp(a, nwid, vnet.OpDestroy), "destroy hook must run exactly once")
}

func countOp(hn *hostNode, nwid uint64, op vnet.ConfigOperation) int {
	hn.mu.Lock()
	defer hn.mu.Unlock()
	n := 0
	for _, r := range hn.cfgOps {
		if r.nwid == nwid && r.op == op {
			n++
		}
	}
	return n
}

// staticMaster hands out a minimal valid configuration for any network.
type staticMaster struct{}

func (staticMaster) DoNetworkConfigRequest(_ identity.Address, nwid uint64, _ dictionary.Dictionary) (dictionary.Dictionary, error) {
	d := dictionary.New()
	d.SetUint64("r", 1)
	d.Set("n", fmt.Sprintf("net-%016x", nwid))
	return d, nil
}

func TestFrameToUnknownNetwork(t *testing.T) {
	h := newHarness(t)
	a := h.newNode(t, 9001, "")
	h.background(a)

	err := a.node.ProcessVirtualNetworkFrame(h.now, 42, 0, 0, 0x0800, 0, []byte("x"), &a.deadline)
	require.ErrorIs(t, err, core.ErrNetworkNotFound)

	require.NoError(t, a.node.Join(42))
	self := identityOf(t, a).Address()
	src := proto.MACFromAddress(self, 42)
	dst := proto.MACFromAddress(identity.Address(0x0102030405), 42)
	require.NoError(t, a.node.ProcessVirtualNetworkFrame(h.now, 42, src, dst, 0x0800, 0, []byte("x"), &a.deadline))

	require.NoError(t, a.node.Leave(42))
	err = a.node.ProcessVirtualNetworkFrame(h.now, 42, src, dst, 0x0800, 0, []byte("x"), &a.deadline)
	require.ErrorIs(t, err, core.ErrNetworkNotFound)
}

func TestMulticastSubscribeRoundTrip(t *testing.T) {
	h := newHarness(t)
	a := h.newNode(t, 9001, "")
	group := proto.MAC(0x01005e000001)

	require.NoError(t, a.node.Join(7))
	require.NoError(t, a.node.MulticastSubscribe(7, group, 0))
	cfg := a.node.NetworkConfig(7)
	require.NotNil(t, cfg)
	require.Contains(t, cfg.MulticastSubscriptions, multicast.Group{MAC: group, ADI: 0})

	require.NoError(t, a.node.MulticastUnsubscribe(7, group, 0))
	require.Empty(t, a.node.NetworkConfig(7).MulticastSubscriptions)

	require.NoError(t, a.node.Leave(7))
	// Unknown network: silent no-op.
	require.NoError(t, a.node.MulticastSubscribe(7, group, 0))
	require.NoError(t, a.node.MulticastSubscribe(999, group, 0))
}

func TestDesperationGrowthAndReset(t *testing.T) {
	h := newHarness(t)
	sn := h.newNode(t, 9001, "")
	a := h.newNode(t, 9002, overrideNaming(t, sn))

	h.partition = true
	h.background(a)
	var st core.NodeStatus
	require.NoError(t, a.node.Status(&st))
	require.Zero(t, st.Desperation)

	// Supernode silence: desperation climbs one unit per
	// DesperationIncrement ping intervals, monotonically.
	last := 0
	for i := 1; i <= 6; i++ {
		h.now += pingMs
		h.background(a)
		require.NoError(t, a.node.Status(&st))
		require.GreaterOrEqual(t, st.Desperation, last, "desperation went backwards during silence")
		last = st.Desperation
	}
	require.GreaterOrEqual(t, last, 3) // 6 intervals / increment of 2

	// Heal the partition: the next cycle's keepalive is answered, and the
	// cycle after that sees the reception.
	h.partition = false
	h.now += pingMs
	h.background(a)
	h.now += pingMs
	h.background(a)
	require.NoError(t, a.node.Status(&st))
	require.Zero(t, st.Desperation)
	require.True(t, st.Online)
	require.Equal(t, 1, a.countEvent(core.EventOnline))
}

func TestVersionGossip(t *testing.T) {
	h := newHarness(t)
	a := h.newNode(t, 9001, "")

	maj, min, rev, features := core.Version()
	require.NotZero(t, features&core.FeatureFlagThreadSafe)

	a.node.PostNewerVersionIfNewer(maj, min, rev)
	require.Zero(t, a.countEvent(core.EventSawMoreRecentVersion), "equal version is not newer")

	a.node.PostNewerVersionIfNewer(maj, min, rev+1)
	require.Equal(t, 1, a.countEvent(core.EventSawMoreRecentVersion))

	a.node.PostNewerVersionIfNewer(maj, min, rev+1)
	require.Equal(t, 1, a.countEvent(core.EventSawMoreRecentVersion), "repeat of same version emitted again")

	a.node.PostNewerVersionIfNewer(maj+1, 0, 0)
	require.Equal(t, 2, a.countEvent(core.EventSawMoreRecentVersion))

	var st core.NodeStatus
	require.NoError(t, a.node.Status(&st))
	require.Equal(t, [3]int{maj + 1, 0, 0}, st.NewestVersionSeen)
}

func TestEndToEndFrameDelivery(t *testing.T) {
	h := newHarness(t)
	sn := h.newNode(t, 9001, "")
	override := overrideNaming(t, sn)
	a := h.newNode(t, 9002, override)
	b := h.newNode(t, 9003, override)

	const nwid = uint64(0x8056c2e21c000001)
	require.NoError(t, a.node.Join(nwid))
	require.NoError(t, b.node.Join(nwid))

	// Everyone announces to the supernode.
	h.background(a)
	h.background(b)

	aAddr := identityOf(t, a).Address()
	bAddr := identityOf(t, b).Address()
	src := proto.MACFromAddress(aAddr, nwid)
	dst := proto.MACFromAddress(bAddr, nwid)
	payload := []byte("cross-network hello")

	// The first frame races address resolution on both ends and may be
	// dropped while b asks the supernode who a is; once the identities
	// have propagated, frames flow.
	require.NoError(t, a.node.ProcessVirtualNetworkFrame(h.now, nwid, src, dst, 0x0800, 0, payload, &a.deadline))
	h.flush()
	require.NoError(t, a.node.ProcessVirtualNetworkFrame(h.now, nwid, src, dst, 0x0800, 0, payload, &a.deadline))
	h.flush()

	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.frames)
	last := b.frames[len(b.frames)-1]
	require.Equal(t, nwid, last.nwid)
	require.Equal(t, src, last.srcMac)
	require.Equal(t, dst, last.dstMac)
	require.Equal(t, payload, last.data)
}

func TestSnapshotsAliasNoLiveState(t *testing.T) {
	h := newHarness(t)
	a := h.newNode(t, 9001, "")
	require.NoError(t, a.node.Join(7))
	group := proto.MAC(0x01005e000001)
	require.NoError(t, a.node.MulticastSubscribe(7, group, 0))

	cfg := a.node.NetworkConfig(7)
	networks := a.node.Networks()
	require.NoError(t, a.node.MulticastUnsubscribe(7, group, 0))
	require.Len(t, cfg.MulticastSubscriptions, 1)
	require.Len(t, networks[0].MulticastSubscriptions, 1)

	// FreeQueryResult is part of the surface; in Go it is a no-op.
	a.node.FreeQueryResult(cfg)
	a.node.FreeQueryResult(networks)
}

func TestConcurrentEntryPoints(t *testing.T) {
	h := newHarness(t)
	a := h.newNode(t, 9001, "")
	require.NoError(t, a.node.Join(42))
	self := identityOf(t, a).Address()
	src := proto.MACFromAddress(self, 42)
	dst := proto.MACFromAddress(identity.Address(0x0102030405), 42)

	testutil.WithTimeout(t, 10*time.Second, func() {
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				deadline := int64(0)
				for i := 0; i < 200; i++ {
					now := startClock + int64(i)*granMs
					switch g % 4 {
					case 0:
						_ = a.node.ProcessBackgroundTasks(now, &deadline)
					case 1:
						_ = a.node.ProcessWirePacket(now, netip.MustParseAddrPort("192.0.2.9:9"), 0, nil, &deadline)
					case 2:
						_ = a.node.ProcessVirtualNetworkFrame(now, 42, src, dst, 0x0800, 0, []byte("x"), &deadline)
					case 3:
						_ = a.node.Join(uint64(43 + i%3))
						_ = a.node.Leave(uint64(43 + i%3))
						_, _ = a.node.Networks(), a.node.Peers()
					}
				}
			}(g)
		}
		wg.Wait()
	})
}

func TestCloseIsQuiet(t *testing.T) {
	h := newHarness(t)
	a := h.newNode(t, 9001, "")
	require.NoError(t, a.node.Join(7))
	a.node.Close()
	require.Equal(t, 1, countOp(a, 7, vnet.OpDestroy))
	require.Equal(t, 1, a.countEvent(core.EventDown))
}
