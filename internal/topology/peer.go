package topology

import (
	"net/netip"
	"sync"

	"vether/internal/identity"
)

const (
	// PeerActivityTimeout bounds how long ago a peer must have been heard
	// from to count as alive, in milliseconds.
	PeerActivityTimeout = int64(45 * 1000)

	// PathExpiration is how long a learned path survives without inbound
	// traffic.
	PathExpiration = int64(5 * 60 * 1000)

	// PeerExpiration is how long an ordinary peer record survives without
	// any reception. Supernodes never expire.
	PeerExpiration = int64(10 * 60 * 1000)
)

type path struct {
	lastSend    int64
	lastReceive int64
}

// Peer is one remote node: its identity, its known paths, and reception
// bookkeeping. The pairwise session key is agreed once and cached.
type Peer struct {
	mu          sync.Mutex
	id          *identity.Identity
	fixedAddrs  []netip.AddrPort
	paths       map[netip.AddrPort]*path
	lastReceive int64
	lastSend    int64
	version     [3]int
	sessionKey  []byte
}

func NewPeer(id *identity.Identity) *Peer {
	return &Peer{id: id, paths: make(map[netip.AddrPort]*path), version: [3]int{-1, -1, -1}}
}

func (p *Peer) Address() identity.Address { return p.id.Address() }

func (p *Peer) Identity() *identity.Identity { return p.id }

// AddFixedAddress pins a path that never expires, used for supernodes named
// in the root topology.
func (p *Peer) AddFixedAddress(ap netip.AddrPort) {
	if !ap.IsValid() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, have := range p.fixedAddrs {
		if have == ap {
			return
		}
	}
	p.fixedAddrs = append(p.fixedAddrs, ap)
}

// Received records an inbound packet from the given remote address,
// learning the path.
func (p *Peer) Received(now int64, from netip.AddrPort) {
	p.mu.Lock()
	if now > p.lastReceive {
		p.lastReceive = now
	}
	if from.IsValid() {
		pt, ok := p.paths[from]
		if !ok {
			pt = &path{}
			p.paths[from] = pt
		}
		if now > pt.lastReceive {
			pt.lastReceive = now
		}
	}
	p.mu.Unlock()
}

func (p *Peer) Sent(now int64, to netip.AddrPort) {
	p.mu.Lock()
	if now > p.lastSend {
		p.lastSend = now
	}
	if pt, ok := p.paths[to]; ok && now > pt.lastSend {
		pt.lastSend = now
	}
	p.mu.Unlock()
}

func (p *Peer) LastReceive() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReceive
}

func (p *Peer) LastSend() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSend
}

// Alive is the recency predicate used to decide whether an ordinary peer is
// worth a keepalive.
func (p *Peer) Alive(now int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReceive > 0 && now-p.lastReceive <= PeerActivityTimeout
}

// DirectAddress picks the best address to reach this peer: the most
// recently receiving learned path, falling back to a fixed address.
func (p *Peer) DirectAddress() (netip.AddrPort, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best netip.AddrPort
	var bestRx int64 = -1
	for ap, pt := range p.paths {
		if pt.lastReceive > bestRx {
			best, bestRx = ap, pt.lastReceive
		}
	}
	if bestRx >= 0 && best.IsValid() {
		return best, true
	}
	if len(p.fixedAddrs) > 0 {
		return p.fixedAddrs[0], true
	}
	return netip.AddrPort{}, false
}

// Addresses returns every reachable address: learned paths then fixed ones.
func (p *Peer) Addresses() []netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(p.paths)+len(p.fixedAddrs))
	for ap := range p.paths {
		out = append(out, ap)
	}
	for _, ap := range p.fixedAddrs {
		found := false
		for _, have := range out {
			if have == ap {
				found = true
				break
			}
		}
		if !found {
			out = append(out, ap)
		}
	}
	return out
}

func (p *Peer) SetVersion(major, minor, revision int) {
	p.mu.Lock()
	p.version = [3]int{major, minor, revision}
	p.mu.Unlock()
}

func (p *Peer) Version() (major, minor, revision int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version[0], p.version[1], p.version[2]
}

// SessionKey returns the cached pairwise key, agreeing it on first use.
func (p *Peer) SessionKey(self *identity.Identity) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionKey != nil {
		return p.sessionKey, nil
	}
	key, err := self.Agree(p.id)
	if err != nil {
		return nil, err
	}
	p.sessionKey = key
	return key, nil
}

// cleanPaths drops learned paths idle past PathExpiration.
func (p *Peer) cleanPaths(now int64) {
	p.mu.Lock()
	for ap, pt := range p.paths {
		if now-pt.lastReceive > PathExpiration {
			delete(p.paths, ap)
		}
	}
	p.mu.Unlock()
}
