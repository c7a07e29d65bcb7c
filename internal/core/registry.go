package core

import (
	"vether/internal/dictionary"
	"vether/internal/multicast"
	"vether/internal/proto"
	"vether/internal/vnet"
)

// Join adds the node to a virtual network. Idempotent: joining a network
// twice is one membership.
func (n *Node) Join(nwid uint64) error {
	if nwid == 0 {
		return ErrBadParameter
	}
	n.networksMu.Lock()
	nw, exists := n.networks[nwid]
	if !exists {
		nw = vnet.NewNetwork(nwid, n.rt.Identity.Address(), n.rt.Multicaster, vnet.Hooks{
			Master: n.rt.NetconfMaster,
			SendConfigRequest: func(nwid uint64, meta dictionary.Dictionary) {
				n.rt.Switch.SendNetworkConfigRequest(n.now.Load(), nwid, meta)
			},
			Notify: func(nwid uint64, op vnet.ConfigOperation, cfg *vnet.Config) {
				if n.hooks.VirtualNetworkConfig != nil {
					n.hooks.VirtualNetworkConfig(nwid, op, cfg)
				}
			},
		})
		n.networks[nwid] = nw
	}
	n.networksMu.Unlock()

	if !exists {
		nw.RequestConfiguration(n.now.Load())
	}
	return nil
}

// Leave removes a membership. The network's teardown notification runs
// after it is already unreachable from the registry, so a racing frame
// observes either the network or its absence, never a half-dead one.
func (n *Node) Leave(nwid uint64) error {
	n.networksMu.Lock()
	nw, ok := n.networks[nwid]
	if ok {
		delete(n.networks, nwid)
	}
	n.networksMu.Unlock()
	if ok {
		nw.Destroy()
	}
	return nil
}

// MulticastSubscribe subscribes the node to a multicast group on a joined
// network. Unknown networks are a silent no-op.
func (n *Node) MulticastSubscribe(nwid uint64, groupMac proto.MAC, adi uint32) error {
	if nw := n.network(nwid); nw != nil {
		nw.MulticastSubscribe(n.now.Load(), multicast.Group{MAC: groupMac, ADI: adi})
	}
	return nil
}

func (n *Node) MulticastUnsubscribe(nwid uint64, groupMac proto.MAC, adi uint32) error {
	if nw := n.network(nwid); nw != nil {
		nw.MulticastUnsubscribe(multicast.Group{MAC: groupMac, ADI: adi})
	}
	return nil
}
