// Package vnet implements the per-virtual-network object: configuration
// state, multicast subscriptions, and the host notification surface for one
// joined network.
package vnet

import (
	"errors"
	"sync"

	"vether/internal/dictionary"
	"vether/internal/identity"
	"vether/internal/multicast"
	"vether/internal/proto"
)

const DefaultMTU = 2800

type Status int

const (
	StatusRequestingConfiguration Status = iota
	StatusOK
	StatusNotFound
	StatusAccessDenied
)

func (s Status) String() string {
	switch s {
	case StatusRequestingConfiguration:
		return "REQUESTING_CONFIGURATION"
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusAccessDenied:
		return "ACCESS_DENIED"
	}
	return "UNKNOWN"
}

type ConfigOperation int

const (
	OpUp ConfigOperation = iota + 1
	OpConfigUpdate
	OpDown
	OpDestroy
)

// Config is a point-in-time snapshot of a network's externally visible
// state. It aliases nothing inside the live Network.
type Config struct {
	NWID                   uint64
	MAC                    proto.MAC
	Name                   string
	Status                 Status
	Public                 bool
	MTU                    int
	Bridge                 bool
	BroadcastEnabled       bool
	Revision               uint64
	LastConfigUpdate       int64
	MulticastSubscriptions []multicast.Group
}

// NetworkConfigMaster is an optional in-process configuration controller.
// When present it answers config requests directly instead of the wire.
type NetworkConfigMaster interface {
	DoNetworkConfigRequest(from identity.Address, nwid uint64, meta dictionary.Dictionary) (dictionary.Dictionary, error)
}

var (
	ErrNetconfNotFound     = errors.New("network not found by controller")
	ErrNetconfAccessDenied = errors.New("network access denied by controller")
)

// Hooks are the network's links back into its runtime, injected at
// construction. Master is consulted live so a controller attached after
// join is picked up.
type Hooks struct {
	Master            func() NetworkConfigMaster
	SendConfigRequest func(nwid uint64, meta dictionary.Dictionary)
	Notify            func(nwid uint64, op ConfigOperation, cfg *Config)
}

type Network struct {
	mu               sync.Mutex
	nwid             uint64
	self             identity.Address
	mc               *multicast.Multicaster
	hooks            Hooks
	name             string
	status           Status
	public           bool
	mtu              int
	broadcast        bool
	revision         uint64
	lastConfigUpdate int64
	subscriptions    []multicast.Group
	cameUp           bool
	destroyed        bool
}

func NewNetwork(nwid uint64, self identity.Address, mc *multicast.Multicaster, hooks Hooks) *Network {
	return &Network{
		nwid:      nwid,
		self:      self,
		mc:        mc,
		hooks:     hooks,
		status:    StatusRequestingConfiguration,
		mtu:       DefaultMTU,
		broadcast: true,
	}
}

func (n *Network) ID() uint64 { return n.nwid }

func (n *Network) LastConfigUpdate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastConfigUpdate
}

func (n *Network) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// RequestConfiguration asks for this network's configuration: from the
// in-process master when one is attached, over the wire otherwise.
func (n *Network) RequestConfiguration(now int64) {
	meta := dictionary.New()
	meta.SetUint64("ts", uint64(now))

	var master NetworkConfigMaster
	if n.hooks.Master != nil {
		master = n.hooks.Master()
	}
	if master == nil {
		if n.hooks.SendConfigRequest != nil {
			n.hooks.SendConfigRequest(n.nwid, meta)
		}
		return
	}

	conf, err := master.DoNetworkConfigRequest(n.self, n.nwid, meta)
	switch {
	case errors.Is(err, ErrNetconfNotFound):
		n.setStatus(StatusNotFound)
	case errors.Is(err, ErrNetconfAccessDenied):
		n.setStatus(StatusAccessDenied)
	case err != nil:
		// Transient controller failure; stay in the current state and let
		// the next autoconf cycle retry.
	default:
		n.ApplyConfig(conf, now)
	}
}

func (n *Network) setStatus(s Status) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
}

// ApplyConfig installs a configuration document and notifies the host.
// Documents older than what we already have (by revision) are ignored.
func (n *Network) ApplyConfig(conf dictionary.Dictionary, now int64) {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	rev := conf.GetUint64("r", 0)
	if n.cameUp && rev != 0 && rev <= n.revision {
		n.lastConfigUpdate = now
		n.mu.Unlock()
		return
	}
	n.name = conf.Get("n", n.name)
	n.public = conf.Get("p", "0") == "1"
	n.broadcast = conf.Get("b", "1") == "1"
	if mtu := conf.GetUint64("mtu", uint64(n.mtu)); mtu > 0 && mtu <= 10000 {
		n.mtu = int(mtu)
	}
	n.revision = rev
	n.lastConfigUpdate = now
	n.status = StatusOK
	op := OpConfigUpdate
	if !n.cameUp {
		op = OpUp
		n.cameUp = true
	}
	n.mu.Unlock()

	if n.hooks.Notify != nil {
		cfg := n.ExternalConfig()
		n.hooks.Notify(n.nwid, op, cfg)
	}
}

// MulticastSubscribe records a local subscription and announces it to the
// multicaster.
func (n *Network) MulticastSubscribe(now int64, g multicast.Group) {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	found := false
	for _, have := range n.subscriptions {
		if have == g {
			found = true
			break
		}
	}
	if !found {
		n.subscriptions = append(n.subscriptions, g)
	}
	n.mu.Unlock()
	if n.mc != nil {
		n.mc.Add(n.nwid, g, n.self, now)
	}
}

func (n *Network) MulticastUnsubscribe(g multicast.Group) {
	n.mu.Lock()
	for i, have := range n.subscriptions {
		if have == g {
			n.subscriptions = append(n.subscriptions[:i], n.subscriptions[i+1:]...)
			break
		}
	}
	n.mu.Unlock()
	if n.mc != nil {
		n.mc.Remove(n.nwid, g, n.self)
	}
}

// Subscribed reports whether the local node subscribes to g.
func (n *Network) Subscribed(g multicast.Group) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, have := range n.subscriptions {
		if have == g {
			return true
		}
	}
	return false
}

// ExternalConfig returns an owned snapshot.
func (n *Network) ExternalConfig() *Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &Config{
		NWID:                   n.nwid,
		MAC:                    proto.MACFromAddress(n.self, n.nwid),
		Name:                   n.name,
		Status:                 n.status,
		Public:                 n.public,
		MTU:                    n.mtu,
		BroadcastEnabled:       n.broadcast,
		Revision:               n.revision,
		LastConfigUpdate:       n.lastConfigUpdate,
		MulticastSubscriptions: append([]multicast.Group(nil), n.subscriptions...),
	}
}

// Destroy tears the network down and notifies the host exactly once. The
// Network must not be used afterwards.
func (n *Network) Destroy() {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	n.destroyed = true
	subs := append([]multicast.Group(nil), n.subscriptions...)
	n.subscriptions = nil
	n.mu.Unlock()

	if n.mc != nil {
		for _, g := range subs {
			n.mc.Remove(n.nwid, g, n.self)
		}
	}
	if n.hooks.Notify != nil {
		n.hooks.Notify(n.nwid, OpDestroy, n.ExternalConfig())
	}
}
