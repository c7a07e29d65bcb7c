package core

import (
	"sync"

	"vether/internal/antirec"
	"vether/internal/identity"
	"vether/internal/metrics"
	"vether/internal/multicast"
	"vether/internal/prng"
	"vether/internal/selfaware"
	"vether/internal/topology"
	"vether/internal/vnet"
	"vether/internal/vswitch"
)

// Runtime is the bag of singletons shared by the node's collaborators. The
// node owns it exclusively; collaborators receive what they need at
// construction and never reach back in.
type Runtime struct {
	Identity      *identity.Identity
	PRNG          *prng.CMWC
	Switch        *vswitch.Switch
	Multicaster   *multicast.Multicaster
	AntiRecursion *antirec.Detector
	Topology      *topology.Topology
	SelfAwareness *selfaware.SelfAwareness
	Metrics       *metrics.Metrics

	masterMu sync.Mutex
	master   vnet.NetworkConfigMaster
}

// NetconfMaster returns the attached configuration controller, nil when
// none.
func (rt *Runtime) NetconfMaster() vnet.NetworkConfigMaster {
	rt.masterMu.Lock()
	defer rt.masterMu.Unlock()
	return rt.master
}

func (rt *Runtime) setNetconfMaster(m vnet.NetworkConfigMaster) {
	rt.masterMu.Lock()
	rt.master = m
	rt.masterMu.Unlock()
}
