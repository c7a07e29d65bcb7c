// Package metrics counts the node's data-plane activity. Counters are
// plain atomics so the switch can tick them from any thread; Snapshot is
// what the status query hands to embedders.
package metrics

import (
	"sync/atomic"
)

type Snapshot struct {
	WirePacketsIn      uint64 `json:"wire_packets_in"`
	WirePacketsOut     uint64 `json:"wire_packets_out"`
	FramesIn           uint64 `json:"frames_in"`
	FramesOut          uint64 `json:"frames_out"`
	DropInvalidPacket  uint64 `json:"drop_invalid_packet"`
	DropUnknownNetwork uint64 `json:"drop_unknown_network"`
	DropRecursion      uint64 `json:"drop_recursion"`
	DropNoRoute        uint64 `json:"drop_no_route"`
	DropAuthFailure    uint64 `json:"drop_auth_failure"`
}

type Metrics struct {
	wirePacketsIn      atomic.Uint64
	wirePacketsOut     atomic.Uint64
	framesIn           atomic.Uint64
	framesOut          atomic.Uint64
	dropInvalidPacket  atomic.Uint64
	dropUnknownNetwork atomic.Uint64
	dropRecursion      atomic.Uint64
	dropNoRoute        atomic.Uint64
	dropAuthFailure    atomic.Uint64
}

func New() *Metrics { return &Metrics{} }

func (m *Metrics) IncWirePacketsIn()      { m.wirePacketsIn.Add(1) }
func (m *Metrics) IncWirePacketsOut()     { m.wirePacketsOut.Add(1) }
func (m *Metrics) IncFramesIn()           { m.framesIn.Add(1) }
func (m *Metrics) IncFramesOut()          { m.framesOut.Add(1) }
func (m *Metrics) IncDropInvalidPacket()  { m.dropInvalidPacket.Add(1) }
func (m *Metrics) IncDropUnknownNetwork() { m.dropUnknownNetwork.Add(1) }
func (m *Metrics) IncDropRecursion()      { m.dropRecursion.Add(1) }
func (m *Metrics) IncDropNoRoute()        { m.dropNoRoute.Add(1) }
func (m *Metrics) IncDropAuthFailure()    { m.dropAuthFailure.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		WirePacketsIn:      m.wirePacketsIn.Load(),
		WirePacketsOut:     m.wirePacketsOut.Load(),
		FramesIn:           m.framesIn.Load(),
		FramesOut:          m.framesOut.Load(),
		DropInvalidPacket:  m.dropInvalidPacket.Load(),
		DropUnknownNetwork: m.dropUnknownNetwork.Load(),
		DropRecursion:      m.dropRecursion.Load(),
		DropNoRoute:        m.dropNoRoute.Load(),
		DropAuthFailure:    m.dropAuthFailure.Load(),
	}
}
