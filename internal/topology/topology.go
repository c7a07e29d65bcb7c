// Package topology is the peer and path database: every remote node we know
// about, which of them are supernodes, and the root topology document that
// names the supernode set.
package topology

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"vether/internal/dictionary"
	"vether/internal/identity"
)

var ErrIdentityCollision = errors.New("two identities claim the same address")

type Topology struct {
	mu         sync.Mutex
	peers      map[identity.Address]*Peer
	supernodes []identity.Address
}

func New() *Topology {
	return &Topology{peers: make(map[identity.Address]*Peer)}
}

// AddPeer inserts a peer or returns the existing record for its address.
// A different identity claiming an already-known address is a collision.
func (t *Topology) AddPeer(p *Peer) (*Peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if have, ok := t.peers[p.Address()]; ok {
		if !have.Identity().Equals(p.Identity()) {
			return nil, ErrIdentityCollision
		}
		return have, nil
	}
	t.peers[p.Address()] = p
	return p, nil
}

func (t *Topology) GetPeer(addr identity.Address) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[addr]
}

// EachPeer calls f for every known peer. f runs without the topology lock
// held so it may call back into the topology.
func (t *Topology) EachPeer(f func(p *Peer)) {
	t.mu.Lock()
	snapshot := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		snapshot = append(snapshot, p)
	}
	t.mu.Unlock()
	for _, p := range snapshot {
		f(p)
	}
}

func (t *Topology) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// SetSupernodes installs the supernode set from the root topology's
// "supernodes" sub-dictionary: address hex -> {id, udp}. The previous set
// is replaced; peers shared with the old set are retained.
func (t *Topology) SetSupernodes(sn dictionary.Dictionary) error {
	addrs := make([]identity.Address, 0, len(sn))
	peers := make([]*Peer, 0, len(sn))
	for key, val := range sn {
		entry := dictionary.FromString(val)
		idStr := entry.Get("id", "")
		id, err := identity.FromString(idStr)
		if err != nil {
			return fmt.Errorf("supernode %q: %w", key, err)
		}
		keyAddr, err := identity.ParseAddress(key)
		if err != nil || keyAddr != id.Address() {
			return fmt.Errorf("supernode %q: entry key does not match identity address", key)
		}
		p := NewPeer(id)
		for _, hp := range strings.Split(entry.Get("udp", ""), ",") {
			hp = strings.TrimSpace(hp)
			if hp == "" {
				continue
			}
			ap, err := netip.ParseAddrPort(hp)
			if err != nil {
				return fmt.Errorf("supernode %q: bad udp address %q", key, hp)
			}
			p.AddFixedAddress(ap)
		}
		addrs = append(addrs, id.Address())
		peers = append(peers, p)
	}

	t.mu.Lock()
	t.supernodes = addrs
	t.mu.Unlock()

	for _, p := range peers {
		if _, err := t.AddPeer(p); err != nil {
			return err
		}
	}
	return nil
}

// SupernodeAddresses returns a copy of the current supernode address set.
func (t *Topology) SupernodeAddresses() []identity.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]identity.Address(nil), t.supernodes...)
}

func (t *Topology) IsSupernode(addr identity.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.supernodes {
		if a == addr {
			return true
		}
	}
	return false
}

// FirstSupernode returns a supernode peer to use as a relay, preferring one
// that has been heard from.
func (t *Topology) FirstSupernode() *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	var fallback *Peer
	for _, a := range t.supernodes {
		p := t.peers[a]
		if p == nil {
			continue
		}
		if p.LastReceive() > 0 {
			return p
		}
		if fallback == nil {
			fallback = p
		}
	}
	return fallback
}

// Clean expires dead paths everywhere and drops ordinary peers silent past
// PeerExpiration. Supernodes stay.
func (t *Topology) Clean(now int64) {
	t.mu.Lock()
	super := make(map[identity.Address]bool, len(t.supernodes))
	for _, a := range t.supernodes {
		super[a] = true
	}
	doomed := make([]identity.Address, 0)
	snapshot := make([]*Peer, 0, len(t.peers))
	for addr, p := range t.peers {
		snapshot = append(snapshot, p)
		if !super[addr] && p.LastReceive() > 0 && now-p.LastReceive() > PeerExpiration {
			doomed = append(doomed, addr)
		}
	}
	for _, addr := range doomed {
		delete(t.peers, addr)
	}
	t.mu.Unlock()

	for _, p := range snapshot {
		p.cleanPaths(now)
	}
}
