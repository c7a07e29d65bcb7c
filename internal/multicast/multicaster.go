// Package multicast tracks which members of a virtual network have
// subscribed to which multicast groups. Subscriptions are soft state: they
// are refreshed by MULTICAST_LIKE traffic and expire on silence.
package multicast

import (
	"sync"

	"vether/internal/identity"
	"vether/internal/proto"
)

// LikeExpiration is how long a subscription survives without a refresh, in
// milliseconds of host clock.
const LikeExpiration = int64(2 * 60 * 1000)

// Group identifies a multicast group within one network: the group MAC plus
// an additional distinguishing integer (the ADI, e.g. the ARP target IP).
type Group struct {
	MAC proto.MAC
	ADI uint32
}

type groupKey struct {
	nwid  uint64
	group Group
}

type Multicaster struct {
	mu     sync.Mutex
	groups map[groupKey]map[identity.Address]int64
}

func New() *Multicaster {
	return &Multicaster{groups: make(map[groupKey]map[identity.Address]int64)}
}

// Add records or refreshes member's subscription.
func (m *Multicaster) Add(nwid uint64, g Group, member identity.Address, now int64) {
	k := groupKey{nwid: nwid, group: g}
	m.mu.Lock()
	members, ok := m.groups[k]
	if !ok {
		members = make(map[identity.Address]int64)
		m.groups[k] = members
	}
	members[member] = now
	m.mu.Unlock()
}

func (m *Multicaster) Remove(nwid uint64, g Group, member identity.Address) {
	k := groupKey{nwid: nwid, group: g}
	m.mu.Lock()
	if members, ok := m.groups[k]; ok {
		delete(members, member)
		if len(members) == 0 {
			delete(m.groups, k)
		}
	}
	m.mu.Unlock()
}

// Members returns the live subscribers of a group, a fresh slice every call.
func (m *Multicaster) Members(nwid uint64, g Group, now int64) []identity.Address {
	k := groupKey{nwid: nwid, group: g}
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.groups[k]
	out := make([]identity.Address, 0, len(members))
	for addr, ts := range members {
		if now-ts <= LikeExpiration {
			out = append(out, addr)
		}
	}
	return out
}

// Clean drops expired subscriptions and empty groups.
func (m *Multicaster) Clean(now int64) {
	m.mu.Lock()
	for k, members := range m.groups {
		for addr, ts := range members {
			if now-ts > LikeExpiration {
				delete(members, addr)
			}
		}
		if len(members) == 0 {
			delete(m.groups, k)
		}
	}
	m.mu.Unlock()
}

func (m *Multicaster) GroupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}
