// Package vswitch is the packet engine: it turns inbound wire datagrams
// into learned peers, delivered Ethernet frames and protocol replies, and
// turns outbound Ethernet frames into sealed wire packets, parking frames
// whose destination is still unresolved.
package vswitch

import (
	"fmt"
	"net/netip"
	"time"

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
)

// idleTimerDelay is what DoTimerTasks reports when nothing is pending; the
// caller caps it to its own cadence.
const idleTimerDelay = int64(1) << 31

type Config struct {
	Identity      *identity.Identity
	Topology      *topology.Topology
	Multicaster   *multicast.Multicaster
	AntiRecursion *antirec.Detector
	SelfAwareness *selfaware.SelfAwareness
	PRNG          *prng.CMWC
	Metrics       *metrics.Metrics
	Version       [3]byte

	// Send emits one datagram toward remote. Reports false when the host
	// could not send; the switch treats that as best-effort loss.
	Send func(remote netip.AddrPort, linkDesperation int, data []byte) bool

	// DeliverFrame hands a decoded Ethernet frame up toward the tap.
	DeliverFrame func(nwid uint64, srcMac, dstMac proto.MAC, etherType, vlanID int, data []byte)

	// NetworkMember reports whether we have joined nwid.
	NetworkMember func(nwid uint64) bool

	// ApplyNetworkConfig routes a configuration document to the network
	// object it belongs to.
	ApplyNetworkConfig func(nwid uint64, conf dictionary.Dictionary)

	// VersionSink observes software versions advertised by peers.
	VersionSink func(major, minor, revision int)

	// CollisionSink fires when a remote identity claims our address with
	// different keys.
	CollisionSink func()

	// Desperation supplies the link desperation to stamp on outbound
	// datagrams.
	Desperation func() int

	// Master exposes the optional in-process configuration controller.
	Master func() vnet.NetworkConfigMaster
}

type Switch struct {
	cfg Config
	txq txQueue
}

func New(cfg Config) *Switch {
	return &Switch{cfg: cfg}
}

// OnRemotePacket is the inbound intake. Errors mean the packet was
// malformed; they never indicate node damage.
func (s *Switch) OnRemotePacket(now int64, remote netip.AddrPort, linkDesperation int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.cfg.Metrics.IncWirePacketsIn()
	pkt, err := proto.Parse(data)
	if err != nil {
		s.cfg.Metrics.IncDropInvalidPacket()
		return err
	}

	self := s.cfg.Identity.Address()
	if pkt.Dest != self {
		s.relay(now, pkt, data)
		return nil
	}

	switch pkt.Verb {
	case proto.VerbHello:
		return s.handleHello(now, remote, pkt)
	case proto.VerbOK:
		return s.handleOK(now, remote, pkt)
	default:
		return s.handleSealed(now, remote, pkt)
	}
}

// relay forwards a packet addressed to someone else, the supernode duty.
// Unroutable packets are dropped silently; transit traffic is not worth an
// error to our host.
func (s *Switch) relay(now int64, pkt *proto.Packet, raw []byte) {
	peer := s.cfg.Topology.GetPeer(pkt.Dest)
	if peer == nil {
		s.cfg.Metrics.IncDropNoRoute()
		return
	}
	addr, ok := peer.DirectAddress()
	if !ok {
		s.cfg.Metrics.IncDropNoRoute()
		return
	}
	if s.cfg.Send(addr, s.cfg.Desperation(), raw) {
		peer.Sent(now, addr)
		s.cfg.Metrics.IncWirePacketsOut()
	}
}

func (s *Switch) handleHello(now int64, remote netip.AddrPort, pkt *proto.Packet) error {
	h, err := parseHello(pkt.Payload)
	if err != nil {
		s.cfg.Metrics.IncDropInvalidPacket()
		return err
	}
	if pkt.Src != h.Identity.Address() {
		s.cfg.Metrics.IncDropInvalidPacket()
		return fmt.Errorf("hello source %s does not match identity %s", pkt.Src, h.Identity.Address())
	}
	self := s.cfg.Identity
	if h.Identity.Address() == self.Address() {
		if !h.Identity.Equals(self) && s.cfg.CollisionSink != nil {
			s.cfg.CollisionSink()
		}
		return nil
	}
	peer, err := s.cfg.Topology.AddPeer(topology.NewPeer(h.Identity))
	if err != nil {
		s.cfg.Metrics.IncDropAuthFailure()
		return err
	}
	peer.Received(now, remote)
	peer.SetVersion(int(h.Major), int(h.Minor), int(h.Revision))
	if s.cfg.VersionSink != nil {
		s.cfg.VersionSink(int(h.Major), int(h.Minor), int(h.Revision))
	}
	s.flushPending(now, peer)

	reply := &proto.Packet{
		ID:   s.cfg.PRNG.Uint64(),
		Dest: pkt.Src,
		Src:  self.Address(),
		Verb: proto.VerbOK,
		Payload: encodeOK(&okPayload{
			InRe:      proto.VerbHello,
			Timestamp: h.Timestamp,
			Major:     s.cfg.Version[0],
			Minor:     s.cfg.Version[1],
			Revision:  s.cfg.Version[2],
			Surface:   remote,
		}),
	}
	s.sendRaw(now, peer, remote, reply)
	return nil
}

func (s *Switch) handleOK(now int64, remote netip.AddrPort, pkt *proto.Packet) error {
	peer := s.cfg.Topology.GetPeer(pkt.Src)
	if peer == nil {
		s.cfg.Metrics.IncDropAuthFailure()
		return nil
	}
	ok, err := parseOK(pkt.Payload)
	if err != nil {
		s.cfg.Metrics.IncDropInvalidPacket()
		return err
	}
	peer.Received(now, remote)
	switch ok.InRe {
	case proto.VerbHello:
		peer.SetVersion(int(ok.Major), int(ok.Minor), int(ok.Revision))
		if s.cfg.VersionSink != nil {
			s.cfg.VersionSink(int(ok.Major), int(ok.Minor), int(ok.Revision))
		}
		if ok.Surface.IsValid() && s.cfg.Topology.IsSupernode(pkt.Src) {
			s.cfg.SelfAwareness.Iam(pkt.Src, ok.Surface, now)
		}
	case proto.VerbWhois:
		id, err := identity.FromString(string(ok.IdentityBytes))
		if err != nil {
			s.cfg.Metrics.IncDropInvalidPacket()
			return err
		}
		learned, err := s.cfg.Topology.AddPeer(topology.NewPeer(id))
		if err != nil {
			s.cfg.Metrics.IncDropAuthFailure()
			return err
		}
		s.flushPending(now, learned)
	}
	return nil
}

// handleSealed covers every verb that requires the pairwise key.
func (s *Switch) handleSealed(now int64, remote netip.AddrPort, pkt *proto.Packet) error {
	peer := s.cfg.Topology.GetPeer(pkt.Src)
	if peer == nil {
		// We cannot decrypt without the sender's identity. Drop the
		// packet but start resolving so the next one gets through.
		s.cfg.Metrics.IncDropAuthFailure()
		s.sendWhois(now, pkt.Src)
		debuglog.RateLimitedf("unknown-peer:"+pkt.Src.String(), time.Minute,
			"dropping sealed traffic from unknown peer %s while whois resolves", pkt.Src)
		return fmt.Errorf("%s from unknown peer %s", pkt.Verb, pkt.Src)
	}
	key, err := peer.SessionKey(s.cfg.Identity)
	if err != nil {
		s.cfg.Metrics.IncDropAuthFailure()
		return err
	}
	plaintext, err := openPayload(key, pkt)
	if err != nil {
		s.cfg.Metrics.IncDropAuthFailure()
		return fmt.Errorf("%s from %s: %w", pkt.Verb, pkt.Src, err)
	}
	peer.Received(now, remote)

	switch pkt.Verb {
	case proto.VerbWhois:
		return s.handleWhois(now, peer, plaintext)
	case proto.VerbFrame:
		f, err := parseFrame(plaintext)
		if err != nil {
			s.cfg.Metrics.IncDropInvalidPacket()
			return err
		}
		if !s.cfg.NetworkMember(f.NWID) {
			s.cfg.Metrics.IncDropUnknownNetwork()
			return nil
		}
		s.cfg.Metrics.IncFramesIn()
		s.cfg.DeliverFrame(f.NWID,
			proto.MACFromAddress(pkt.Src, f.NWID),
			proto.MACFromAddress(s.cfg.Identity.Address(), f.NWID),
			f.EtherType, 0, f.Data)
	case proto.VerbExtFrame:
		f, err := parseExtFrame(plaintext)
		if err != nil {
			s.cfg.Metrics.IncDropInvalidPacket()
			return err
		}
		if !s.cfg.NetworkMember(f.NWID) {
			s.cfg.Metrics.IncDropUnknownNetwork()
			return nil
		}
		s.cfg.Metrics.IncFramesIn()
		s.cfg.DeliverFrame(f.NWID, f.SrcMAC, f.DstMAC, f.EtherType, f.VlanID, f.Data)
	case proto.VerbMulticastLike:
		likes, err := parseLikes(plaintext)
		if err != nil {
			s.cfg.Metrics.IncDropInvalidPacket()
			return err
		}
		for _, l := range likes {
			s.cfg.Multicaster.Add(l.NWID, multicast.Group{MAC: l.MAC, ADI: l.ADI}, pkt.Src, now)
		}
	case proto.VerbNetworkConfigRequest:
		return s.handleNetconfRequest(now, peer, plaintext)
	case proto.VerbNetworkConfigRefresh:
		nc, err := parseNetconf(plaintext)
		if err != nil {
			s.cfg.Metrics.IncDropInvalidPacket()
			return err
		}
		// Only the supernodes are configuration authorities on the wire.
		if s.cfg.Topology.IsSupernode(pkt.Src) && s.cfg.ApplyNetworkConfig != nil {
			s.cfg.ApplyNetworkConfig(nc.NWID, dictionary.FromString(string(nc.Doc)))
		}
	default:
		s.cfg.Metrics.IncDropInvalidPacket()
		debuglog.RateLimitedf("unhandled-verb:"+pkt.Verb.String(), time.Minute,
			"drop unhandled verb %s from %s", pkt.Verb, pkt.Src)
	}
	return nil
}

func (s *Switch) handleWhois(now int64, from *topology.Peer, plaintext []byte) error {
	if len(plaintext) < identity.AddressLength {
		s.cfg.Metrics.IncDropInvalidPacket()
		return fmt.Errorf("whois too short")
	}
	addr, err := identity.AddressFromBytes(plaintext)
	if err != nil {
		s.cfg.Metrics.IncDropInvalidPacket()
		return err
	}
	wanted := s.cfg.Topology.GetPeer(addr)
	if wanted == nil {
		return nil
	}
	reply := &proto.Packet{
		ID:   s.cfg.PRNG.Uint64(),
		Dest: from.Address(),
		Src:  s.cfg.Identity.Address(),
		Verb: proto.VerbOK,
		Payload: encodeOK(&okPayload{
			InRe:          proto.VerbWhois,
			IdentityBytes: []byte(wanted.Identity().Public().String()),
		}),
	}
	if addr, ok := from.DirectAddress(); ok {
		s.sendRaw(now, from, addr, reply)
	}
	return nil
}

func (s *Switch) handleNetconfRequest(now int64, from *topology.Peer, plaintext []byte) error {
	nc, err := parseNetconf(plaintext)
	if err != nil {
		s.cfg.Metrics.IncDropInvalidPacket()
		return err
	}
	var master vnet.NetworkConfigMaster
	if s.cfg.Master != nil {
		master = s.cfg.Master()
	}
	if master == nil {
		return nil
	}
	conf, err := master.DoNetworkConfigRequest(from.Address(), nc.NWID, dictionary.FromString(string(nc.Doc)))
	if err != nil {
		debuglog.Debugf("netconf request for %016x from %s: %v", nc.NWID, from.Address(), err)
		return nil
	}
	return s.sendSealed(now, from, proto.VerbNetworkConfigRefresh, encodeNetconf(&netconfPayload{
		NWID: nc.NWID,
		Doc:  []byte(conf.String()),
	}))
}

// SendHello pings every known path of a peer. This is the keepalive the
// background loop drives.
func (s *Switch) SendHello(now int64, peer *topology.Peer) {
	payload, err := encodeHello(&helloPayload{
		ProtocolVersion: protocolVersion,
		Major:           s.cfg.Version[0],
		Minor:           s.cfg.Version[1],
		Revision:        s.cfg.Version[2],
		Timestamp:       now,
		Identity:        s.cfg.Identity.Public(),
	}, s.cfg.Identity)
	if err != nil {
		return
	}
	for _, addr := range peer.Addresses() {
		pkt := &proto.Packet{
			ID:      s.cfg.PRNG.Uint64(),
			Dest:    peer.Address(),
			Src:     s.cfg.Identity.Address(),
			Verb:    proto.VerbHello,
			Payload: payload,
		}
		s.sendRaw(now, peer, addr, pkt)
	}
}

// DoTimerTasks retries and expires the resolution queue. Returns the delay
// in milliseconds until it next wants to run.
func (s *Switch) DoTimerTasks(now int64) int64 {
	retry, nextDelay, expired := s.txq.sweep(now)
	for i := 0; i < expired; i++ {
		s.cfg.Metrics.IncDropNoRoute()
	}
	for _, f := range retry {
		s.sendWhois(now, f.dest)
	}
	if nextDelay < 0 {
		return idleTimerDelay
	}
	if nextDelay < 1 {
		nextDelay = 1
	}
	return nextDelay
}

// SendNetworkConfigRequest asks a supernode for a network's configuration
// document.
func (s *Switch) SendNetworkConfigRequest(now int64, nwid uint64, meta dictionary.Dictionary) {
	sn := s.cfg.Topology.FirstSupernode()
	if sn == nil {
		return
	}
	_ = s.sendSealed(now, sn, proto.VerbNetworkConfigRequest, encodeNetconf(&netconfPayload{
		NWID: nwid,
		Doc:  []byte(meta.String()),
	}))
}

func (s *Switch) sendWhois(now int64, addr identity.Address) {
	sn := s.cfg.Topology.FirstSupernode()
	if sn == nil {
		return
	}
	b := addr.Bytes()
	_ = s.sendSealed(now, sn, proto.VerbWhois, b[:])
}

// flushPending seals and sends every frame that was waiting for this peer.
func (s *Switch) flushPending(now int64, peer *topology.Peer) {
	for _, f := range s.txq.takeFor(peer.Address()) {
		verb := proto.VerbFrame
		if f.ext {
			verb = proto.VerbExtFrame
		}
		_ = s.sendSealed(now, peer, verb, f.plaintext)
	}
}

func (s *Switch) sendSealed(now int64, peer *topology.Peer, verb proto.Verb, plaintext []byte) error {
	key, err := peer.SessionKey(s.cfg.Identity)
	if err != nil {
		s.cfg.Metrics.IncDropAuthFailure()
		return err
	}
	pkt := &proto.Packet{
		ID:   s.cfg.PRNG.Uint64(),
		Dest: peer.Address(),
		Src:  s.cfg.Identity.Address(),
		Verb: verb,
	}
	if err := sealPayload(key, pkt, plaintext); err != nil {
		return err
	}
	addr, ok := peer.DirectAddress()
	if !ok {
		// No direct path yet: route through a supernode, which relays on
		// the header destination.
		if sn := s.cfg.Topology.FirstSupernode(); sn != nil && sn.Address() != peer.Address() {
			if snAddr, snOK := sn.DirectAddress(); snOK {
				s.sendRaw(now, peer, snAddr, pkt)
				return nil
			}
		}
		s.cfg.Metrics.IncDropNoRoute()
		return nil
	}
	s.sendRaw(now, peer, addr, pkt)
	return nil
}

func (s *Switch) sendRaw(now int64, peer *topology.Peer, addr netip.AddrPort, pkt *proto.Packet) {
	raw, err := pkt.Encode()
	if err != nil {
		return
	}
	s.cfg.AntiRecursion.Record(raw)
	if s.cfg.Send(addr, s.cfg.Desperation(), raw) {
		peer.Sent(now, addr)
		s.cfg.Metrics.IncWirePacketsOut()
	}
}
