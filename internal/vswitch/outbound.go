package vswitch

import (
	"vether/internal/multicast"
	"vether/internal/proto"
	"vether/internal/topology"
	"vether/internal/vnet"
)

// OnLocalEthernet is the outbound intake: a frame from the host tap on a
// joined network.
func (s *Switch) OnLocalEthernet(now int64, nw *vnet.Network, srcMac, dstMac proto.MAC, etherType, vlanID int, data []byte) error {
	if !s.cfg.AntiRecursion.Check(data) {
		s.cfg.Metrics.IncDropRecursion()
		return nil
	}
	s.cfg.Metrics.IncFramesOut()
	nwid := nw.ID()

	if dstMac.IsMulticast() {
		if dstMac.IsBroadcast() && !nw.ExternalConfig().BroadcastEnabled {
			return nil
		}
		s.multicastFrame(now, nwid, srcMac, dstMac, etherType, vlanID, data)
		return nil
	}

	destAddr, ok := proto.AddressFromMAC(dstMac, nwid)
	if !ok {
		s.cfg.Metrics.IncDropNoRoute()
		return nil
	}
	self := s.cfg.Identity.Address()
	if destAddr == self {
		// A frame for ourselves coming back through us means the host
		// bridge is confused; drop it rather than loop it.
		s.cfg.Metrics.IncDropRecursion()
		return nil
	}

	// The simple FRAME shape only carries what both ends can rederive; a
	// bridged source MAC or a VLAN tag needs the extended shape.
	ext := vlanID != 0 || srcMac != proto.MACFromAddress(self, nwid)
	var plaintext []byte
	if ext {
		plaintext = encodeExtFrame(&extFramePayload{
			NWID:      nwid,
			DstMAC:    dstMac,
			SrcMAC:    srcMac,
			EtherType: etherType,
			VlanID:    vlanID,
			Data:      data,
		})
	} else {
		plaintext = encodeFrame(&framePayload{NWID: nwid, EtherType: etherType, Data: data})
	}

	if peer := s.cfg.Topology.GetPeer(destAddr); peer != nil {
		return s.sendSealed(now, peer, frameVerb(ext), plaintext)
	}

	// Destination unknown: park the frame and start resolution.
	s.txq.add(&pendingFrame{
		dest:       destAddr,
		plaintext:  plaintext,
		ext:        ext,
		enqueuedAt: now,
		lastWhois:  now,
		tries:      1,
	})
	s.sendWhois(now, destAddr)
	return nil
}

func frameVerb(ext bool) proto.Verb {
	if ext {
		return proto.VerbExtFrame
	}
	return proto.VerbFrame
}

// multicastFrame fans a frame out to every subscribed member we know of.
func (s *Switch) multicastFrame(now int64, nwid uint64, srcMac, dstMac proto.MAC, etherType, vlanID int, data []byte) {
	group := multicast.Group{MAC: dstMac}
	members := s.cfg.Multicaster.Members(nwid, group, now)
	if len(members) == 0 {
		s.cfg.Metrics.IncDropNoRoute()
		return
	}
	self := s.cfg.Identity.Address()
	plaintext := encodeExtFrame(&extFramePayload{
		NWID:      nwid,
		DstMAC:    dstMac,
		SrcMAC:    srcMac,
		EtherType: etherType,
		VlanID:    vlanID,
		Data:      data,
	})
	for _, member := range members {
		if member == self {
			continue
		}
		peer := s.cfg.Topology.GetPeer(member)
		if peer == nil {
			continue
		}
		_ = s.sendSealed(now, peer, proto.VerbExtFrame, plaintext)
	}
}

// AnnounceMulticastGroups tells a peer which groups we subscribe to on
// network nwid; the node's background tasks do not call it.
func (s *Switch) AnnounceMulticastGroups(now int64, peer *topology.Peer, likes []multicast.Group, nwid uint64) error {
	entries := make([]likeEntry, 0, len(likes))
	for _, g := range likes {
		entries = append(entries, likeEntry{NWID: nwid, MAC: g.MAC, ADI: g.ADI})
	}
	if len(entries) == 0 {
		return nil
	}
	return s.sendSealed(now, peer, proto.VerbMulticastLike, encodeLikes(entries))
}

// PendingFrameCount is exposed for the status surface.
func (s *Switch) PendingFrameCount() int { return s.txq.len() }
