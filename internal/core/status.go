package core

import (
	"net/netip"

	"vether/internal/identity"
	"vether/internal/metrics"
	"vether/internal/topology"
	"vether/internal/vnet"
)

// NodeStatus is a point-in-time description of the node.
type NodeStatus struct {
	Address           identity.Address
	PublicIdentity    string
	Online            bool
	Desperation       int
	KnownPeers        int
	NetworkCount      int
	PendingFrames     int
	NewestVersionSeen [3]int
	Metrics           metrics.Snapshot
}

// PeerSnapshot is one peer as the queries report it.
type PeerSnapshot struct {
	Address     identity.Address
	LastReceive int64
	LastSend    int64
	Alive       bool
	Supernode   bool
	Version     [3]int
	Paths       []netip.AddrPort
}

// Status fills st with a snapshot of the node's state.
func (n *Node) Status(st *NodeStatus) error {
	if st == nil {
		return ErrBadParameter
	}
	st.Address = n.rt.Identity.Address()
	st.PublicIdentity = n.rt.Identity.String()
	st.Desperation = int(n.coreDesperation.Load())
	st.Online = n.isOnline()
	st.KnownPeers = n.rt.Topology.PeerCount()
	st.PendingFrames = n.rt.Switch.PendingFrameCount()
	st.Metrics = n.rt.Metrics.Snapshot()

	n.networksMu.Lock()
	st.NetworkCount = len(n.networks)
	n.networksMu.Unlock()

	n.versionMu.Lock()
	st.NewestVersionSeen = n.newestVersionSeen
	n.versionMu.Unlock()
	return nil
}

func (n *Node) isOnline() bool {
	now := n.now.Load()
	online := false
	super := make(map[identity.Address]bool)
	for _, a := range n.rt.Topology.SupernodeAddresses() {
		super[a] = true
	}
	n.rt.Topology.EachPeer(func(p *topology.Peer) {
		if super[p.Address()] && p.LastReceive() > 0 && now-p.LastReceive() <= 2*millis(PingCheckInterval) {
			online = true
		}
	})
	return online
}

// Peers returns an owned snapshot of every known peer.
func (n *Node) Peers() []PeerSnapshot {
	now := n.now.Load()
	out := make([]PeerSnapshot, 0, n.rt.Topology.PeerCount())
	n.rt.Topology.EachPeer(func(p *topology.Peer) {
		maj, min, rev := p.Version()
		out = append(out, PeerSnapshot{
			Address:     p.Address(),
			LastReceive: p.LastReceive(),
			LastSend:    p.LastSend(),
			Alive:       p.Alive(now),
			Supernode:   n.rt.Topology.IsSupernode(p.Address()),
			Version:     [3]int{maj, min, rev},
			Paths:       p.Addresses(),
		})
	})
	return out
}

// Networks returns an owned snapshot of every joined network. Listing
// order is unspecified.
func (n *Node) Networks() []*vnet.Config {
	n.networksMu.Lock()
	networks := make([]*vnet.Network, 0, len(n.networks))
	for _, nw := range n.networks {
		networks = append(networks, nw)
	}
	n.networksMu.Unlock()

	out := make([]*vnet.Config, 0, len(networks))
	for _, nw := range networks {
		out = append(out, nw.ExternalConfig())
	}
	return out
}

// NetworkConfig returns an owned snapshot of one network, nil when not
// joined.
func (n *Node) NetworkConfig(nwid uint64) *vnet.Config {
	nw := n.network(nwid)
	if nw == nil {
		return nil
	}
	return nw.ExternalConfig()
}

// FreeQueryResult exists for embedding-API symmetry with snapshot getters.
// Snapshots are ordinary garbage-collected values; there is nothing to
// release.
func (n *Node) FreeQueryResult(any) {}

// SetNetconfMaster attaches or detaches (nil) the in-process network
// configuration controller.
func (n *Node) SetNetconfMaster(m vnet.NetworkConfigMaster) {
	n.rt.setNetconfMaster(m)
}

// PostNewerVersionIfNewer records a software version seen in the wild and
// emits SAW_MORE_RECENT_VERSION on each strict increase.
func (n *Node) PostNewerVersionIfNewer(major, minor, revision int) {
	n.versionMu.Lock()
	newer := compareVersion(major, minor, revision,
		n.newestVersionSeen[0], n.newestVersionSeen[1], n.newestVersionSeen[2]) > 0
	if newer {
		n.newestVersionSeen = [3]int{major, minor, revision}
	}
	n.versionMu.Unlock()
	if newer {
		n.postEvent(EventSawMoreRecentVersion)
	}
}

func compareVersion(maj1, min1, rev1, maj2, min2, rev2 int) int {
	switch {
	case maj1 != maj2:
		return maj1 - maj2
	case min1 != min2:
		return min1 - min2
	default:
		return rev1 - rev2
	}
}
