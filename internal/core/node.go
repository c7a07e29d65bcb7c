// Package core implements the node façade: the long-lived engine that
// multiplexes virtual networks over an encrypted unicast transport. The
// host drives it through three entry points, each carrying the wall clock,
// and receives back a deadline for the next mandatory call; everything else
// flows through the Hooks.
package core

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"vether/internal/antirec"
	"vether/internal/debuglog"
	"vether/internal/dictionary"
	"vether/internal/identity"
	"vether/internal/metrics"
	"vether/internal/multicast"
	"vether/internal/prng"
	"vether/internal/proto"
	"vether/internal/selfaware"
	"vether/internal/topology"
	"vether/internal/vnet"
	"vether/internal/vswitch"
)

const (
	blobIdentitySecret = "identity.secret"
	blobIdentityPublic = "identity.public"
	blobRootTopology   = "root-topology"
)

type Node struct {
	rt    *Runtime
	hooks Hooks

	networksMu sync.Mutex
	networks   map[uint64]*vnet.Network

	backgroundMu sync.Mutex

	now                      atomic.Int64
	startTimeAfterInactivity atomic.Int64
	lastPingCheck            atomic.Int64
	lastHousekeepingRun      atomic.Int64
	coreDesperation          atomic.Int64

	versionMu         sync.Mutex
	newestVersionSeen [3]int

	online bool // background-loop state, guarded by backgroundMu
}

// New constructs a node: identity bootstrap, collaborators, root topology,
// then the UP event. overrideRootTopology, when non-empty, is trusted
// as-is and wins over both the data store and the compiled-in default.
func New(now int64, hooks Hooks, overrideRootTopology string) (*Node, error) {
	if !hooks.valid() {
		return nil, fmt.Errorf("%w: required hooks missing", ErrBadParameter)
	}
	n := &Node{
		hooks:             hooks,
		networks:          make(map[uint64]*vnet.Network),
		newestVersionSeen: [3]int{VersionMajor, VersionMinor, VersionRevision},
	}
	n.now.Store(now)

	id, err := n.bootstrapIdentity()
	if err != nil {
		return nil, err
	}

	rng, err := prng.New()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	rt := &Runtime{
		Identity:      id,
		PRNG:          rng,
		Multicaster:   multicast.New(),
		AntiRecursion: antirec.New(),
		Topology:      topology.New(),
		SelfAwareness: selfaware.New(),
		Metrics:       metrics.New(),
	}
	rt.Switch = vswitch.New(vswitch.Config{
		Identity:      id,
		Topology:      rt.Topology,
		Multicaster:   rt.Multicaster,
		AntiRecursion: rt.AntiRecursion,
		SelfAwareness: rt.SelfAwareness,
		PRNG:          rng,
		Metrics:       rt.Metrics,
		Version:       [3]byte{VersionMajor, VersionMinor, VersionRevision},
		Send:          hooks.WirePacketSend,
		DeliverFrame: func(nwid uint64, srcMac, dstMac proto.MAC, etherType, vlanID int, data []byte) {
			if hooks.VirtualNetworkFrame != nil {
				hooks.VirtualNetworkFrame(nwid, srcMac, dstMac, etherType, vlanID, data)
			}
		},
		NetworkMember: func(nwid uint64) bool {
			n.networksMu.Lock()
			defer n.networksMu.Unlock()
			_, ok := n.networks[nwid]
			return ok
		},
		ApplyNetworkConfig: func(nwid uint64, conf dictionary.Dictionary) {
			if nw := n.network(nwid); nw != nil {
				nw.ApplyConfig(conf, n.now.Load())
			}
		},
		VersionSink: n.PostNewerVersionIfNewer,
		CollisionSink: func() {
			n.postEvent(EventFatalErrorIdentityCollision)
		},
		Desperation: func() int { return int(n.coreDesperation.Load()) },
		Master:      func() vnet.NetworkConfigMaster { return rt.NetconfMaster() },
	})
	n.rt = rt

	if err := n.loadRootTopology(overrideRootTopology); err != nil {
		return nil, err
	}

	n.postEvent(EventUp)
	return n, nil
}

// Close tears the node down. It never panics and may be called once.
func (n *Node) Close() {
	defer func() { _ = recover() }()
	n.networksMu.Lock()
	networks := make([]*vnet.Network, 0, len(n.networks))
	for _, nw := range n.networks {
		networks = append(networks, nw)
	}
	n.networks = make(map[uint64]*vnet.Network)
	n.networksMu.Unlock()
	for _, nw := range networks {
		nw.Destroy()
	}
	n.postEvent(EventDown)
	n.rt = nil
}

// bootstrapIdentity loads identity.secret, or generates and persists a new
// pair when it is absent, malformed, or lacks the private half.
func (n *Node) bootstrapIdentity() (*identity.Identity, error) {
	if blob := n.dataStoreGet(blobIdentitySecret); len(blob) > 0 {
		id, err := identity.FromString(string(blob))
		if err == nil && id.HasPrivate() {
			return id, nil
		}
		debuglog.Logf("identity.secret unusable (%v), regenerating", err)
	}
	id, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	secret, err := id.PrivateString()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := n.hooks.DataStorePut(blobIdentitySecret, []byte(secret), true); err != nil {
		return nil, fmt.Errorf("%w: writing %s: %v", ErrDataStoreFailed, blobIdentitySecret, err)
	}
	if err := n.hooks.DataStorePut(blobIdentityPublic, []byte(id.String()), false); err != nil {
		return nil, fmt.Errorf("%w: writing %s: %v", ErrDataStoreFailed, blobIdentityPublic, err)
	}
	return id, nil
}

// loadRootTopology installs the supernode set: override, then an
// authenticated stored document, then the compiled-in default.
func (n *Node) loadRootTopology(override string) error {
	var rt dictionary.Dictionary
	if override != "" {
		rt = dictionary.FromString(override)
	} else {
		if blob := n.dataStoreGet(blobRootTopology); len(blob) > 0 {
			d := dictionary.FromString(string(blob))
			if topology.AuthenticateRootTopology(d) {
				rt = d
			} else {
				debuglog.Logf("stored root topology failed authentication, using default")
			}
		}
		if len(rt) == 0 {
			rt = topology.DefaultRootTopology()
		}
	}
	if err := n.rt.Topology.SetSupernodes(rt.Sub("supernodes")); err != nil {
		return fmt.Errorf("%w: installing supernodes: %v", ErrInternal, err)
	}
	return nil
}

// ProcessWirePacket accepts one inbound datagram. A packet can be garbage;
// it can never hurt the node.
func (n *Node) ProcessWirePacket(now int64, remote netip.AddrPort, linkDesperation int, data []byte, nextBackgroundTaskDeadline *int64) error {
	if nextBackgroundTaskDeadline == nil {
		return fmt.Errorf("%w: nil deadline", ErrBadParameter)
	}
	if now >= *nextBackgroundTaskDeadline {
		if err := n.ProcessBackgroundTasks(now, nextBackgroundTaskDeadline); err != nil {
			return err
		}
	} else {
		n.now.Store(now)
	}

	err := guard(func() error {
		return n.rt.Switch.OnRemotePacket(now, remote, linkDesperation, data)
	})
	if err != nil {
		n.postEvent(EventInvalidPacket)
		return fmt.Errorf("%w: %v", ErrPacketInvalid, err)
	}
	return nil
}

// ProcessVirtualNetworkFrame accepts one outbound Ethernet frame from the
// host tap.
func (n *Node) ProcessVirtualNetworkFrame(now int64, nwid uint64, srcMac, dstMac proto.MAC, etherType, vlanID int, data []byte, nextBackgroundTaskDeadline *int64) error {
	if nextBackgroundTaskDeadline == nil {
		return fmt.Errorf("%w: nil deadline", ErrBadParameter)
	}
	if now >= *nextBackgroundTaskDeadline {
		if err := n.ProcessBackgroundTasks(now, nextBackgroundTaskDeadline); err != nil {
			return err
		}
	} else {
		n.now.Store(now)
	}

	nw := n.network(nwid)
	if nw == nil {
		return fmt.Errorf("%w: %016x", ErrNetworkNotFound, nwid)
	}
	err := guard(func() error {
		return n.rt.Switch.OnLocalEthernet(now, nw, srcMac, dstMac, etherType, vlanID, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// ProcessBackgroundTasks drives the ping, autoconf and housekeeping
// cadences and recomputes the deadline. It serializes against itself.
func (n *Node) ProcessBackgroundTasks(now int64, nextBackgroundTaskDeadline *int64) error {
	if nextBackgroundTaskDeadline == nil {
		return fmt.Errorf("%w: nil deadline", ErrBadParameter)
	}
	n.now.Store(now)
	n.backgroundMu.Lock()
	defer n.backgroundMu.Unlock()

	pingMs := millis(PingCheckInterval)
	if prev := n.lastPingCheck.Load(); now-prev >= pingMs {
		n.lastPingCheck.Store(now)

		// A long gap since the previous ping check means the machine was
		// suspended; restart the silence measurement rather than counting
		// the nap as supernode unreachability.
		if now-prev > pingMs*3 {
			n.startTimeAfterInactivity.Store(now)
		}

		if err := n.pingCheck(now); err != nil {
			return fmt.Errorf("%w: ping check: %v", ErrInternal, err)
		}
		if err := n.autoconfCheck(now); err != nil {
			return fmt.Errorf("%w: autoconf: %v", ErrInternal, err)
		}
	}

	if now-n.lastHousekeepingRun.Load() >= millis(HousekeepingPeriod) {
		n.lastHousekeepingRun.Store(now)
		err := guard(func() error {
			n.rt.Topology.Clean(now)
			n.rt.Multicaster.Clean(now)
			n.rt.SelfAwareness.Clean(now)
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: housekeeping: %v", ErrInternal, err)
		}
	}

	var timerDelay int64
	err := guard(func() error {
		timerDelay = n.rt.Switch.DoTimerTasks(now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: timer tasks: %v", ErrInternal, err)
	}
	if timerDelay > pingMs {
		timerDelay = pingMs
	}
	if gran := millis(TimerTaskGranularity); timerDelay < gran {
		timerDelay = gran
	}
	*nextBackgroundTaskDeadline = now + timerDelay
	return nil
}

// pingCheck keeps supernodes warm unconditionally, keeps alive ordinary
// peers warm, and recomputes desperation from supernode silence.
func (n *Node) pingCheck(now int64) error {
	return guard(func() error {
		supernodes := make(map[identity.Address]bool)
		for _, a := range n.rt.Topology.SupernodeAddresses() {
			supernodes[a] = true
		}
		var lastReceiveFromSupernode int64
		n.rt.Topology.EachPeer(func(p *topology.Peer) {
			if supernodes[p.Address()] {
				n.rt.Switch.SendHello(now, p)
				if p.LastReceive() > lastReceiveFromSupernode {
					lastReceiveFromSupernode = p.LastReceive()
				}
			} else if p.Alive(now) {
				n.rt.Switch.SendHello(now, p)
			}
		})

		silentSince := n.startTimeAfterInactivity.Load()
		if lastReceiveFromSupernode > silentSince {
			silentSince = lastReceiveFromSupernode
		}
		silence := now - silentSince
		if silence < 0 {
			silence = 0
		}
		n.coreDesperation.Store(silence / (millis(PingCheckInterval) * DesperationIncrement))

		// Edge-triggered online/offline around supernode reachability.
		nowOnline := lastReceiveFromSupernode > 0 && now-lastReceiveFromSupernode <= 2*millis(PingCheckInterval)
		if nowOnline != n.online {
			n.online = nowOnline
			if nowOnline {
				n.postEvent(EventOnline)
			} else {
				n.postEvent(EventOffline)
			}
		}
		return nil
	})
}

// autoconfCheck re-requests configuration for stale networks. The snapshot
// is taken under the registry lock; the requests run outside it.
func (n *Node) autoconfCheck(now int64) error {
	return guard(func() error {
		stale := make([]*vnet.Network, 0)
		n.networksMu.Lock()
		for _, nw := range n.networks {
			if now-nw.LastConfigUpdate() >= millis(NetworkAutoconfDelay) {
				stale = append(stale, nw)
			}
		}
		n.networksMu.Unlock()
		for _, nw := range stale {
			nw.RequestConfiguration(now)
		}
		return nil
	})
}

func (n *Node) network(nwid uint64) *vnet.Network {
	n.networksMu.Lock()
	defer n.networksMu.Unlock()
	return n.networks[nwid]
}

func (n *Node) postEvent(e Event) {
	if n.hooks.StatusCallback != nil {
		n.hooks.StatusCallback(e)
	}
}

// guard converts a collaborator panic into an error at the entry-point
// boundary.
func guard(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}
