package metrics

import "testing"

func TestCountersReachSnapshot(t *testing.T) {
	m := New()
	m.IncWirePacketsIn()
	m.IncWirePacketsIn()
	m.IncWirePacketsOut()
	m.IncFramesIn()
	m.IncFramesOut()
	m.IncDropInvalidPacket()
	m.IncDropUnknownNetwork()
	m.IncDropRecursion()
	m.IncDropNoRoute()
	m.IncDropAuthFailure()

	snap := m.Snapshot()
	if snap.WirePacketsIn != 2 {
		t.Fatalf("expected wire_packets_in=2, got %d", snap.WirePacketsIn)
	}
	if snap.WirePacketsOut != 1 || snap.FramesIn != 1 || snap.FramesOut != 1 {
		t.Fatalf("unexpected traffic counts: %+v", snap)
	}
	if snap.DropInvalidPacket != 1 || snap.DropUnknownNetwork != 1 || snap.DropRecursion != 1 ||
		snap.DropNoRoute != 1 || snap.DropAuthFailure != 1 {
		t.Fatalf("unexpected drop counts: %+v", snap)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	m := New()
	m.IncFramesIn()
	snap := m.Snapshot()
	m.IncFramesIn()
	if snap.FramesIn != 1 {
		t.Fatalf("snapshot tracked live counter")
	}
}
