package core

import (
	"net/netip"

	"vether/internal/proto"
	"vether/internal/vnet"
)

// Hooks is the embedding contract: everything the node needs from its host.
// All hooks are captured at construction and never change. The registry
// lock is never held while a hook runs. Hooks invoked from inside
// ProcessBackgroundTasks (packet sends, status events, configuration
// notifications) run with the background-tasks lock held; a call from such a
// hook back into ProcessBackgroundTasks, or into an entry point whose
// deadline has passed, waits on that same lock.
type Hooks struct {
	// DataStoreGet reads up to len(buf) bytes of the named blob starting
	// at readOffset. It returns the count read (<= 0 means absent or
	// failed) and the blob's total length so large objects can be read in
	// chunks.
	DataStoreGet func(name string, buf []byte, readOffset int64) (n int, total int64)

	// DataStorePut atomically writes the named blob. secure asks for
	// restricted permissions; a failed secure write must not leave the
	// secret readable.
	DataStorePut func(name string, data []byte, secure bool) error

	// WirePacketSend emits one datagram. The return value reports
	// best-effort acceptance, not delivery.
	WirePacketSend func(remote netip.AddrPort, linkDesperation int, data []byte) bool

	// VirtualNetworkFrame delivers a decoded Ethernet frame to the host
	// tap for the given network.
	VirtualNetworkFrame func(nwid uint64, srcMac, dstMac proto.MAC, etherType, vlanID int, data []byte)

	// VirtualNetworkConfig reports network lifecycle and configuration
	// changes. cfg is an owned snapshot.
	VirtualNetworkConfig func(nwid uint64, op vnet.ConfigOperation, cfg *vnet.Config)

	// StatusCallback receives lifecycle events.
	StatusCallback func(event Event)
}

func (h *Hooks) valid() bool {
	return h.DataStoreGet != nil && h.DataStorePut != nil && h.WirePacketSend != nil
}
