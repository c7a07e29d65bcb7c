package antirec_test

import (
	"bytes"
	"testing"

	"vether/internal/antirec"
)

func TestDetectsLoopedPacket(t *testing.T) {
	d := antirec.New()
	pkt := bytes.Repeat([]byte{0xab, 0xcd}, 64)
	d.Record(pkt)

	frame := append([]byte("ethernet header "), pkt...)
	if d.Check(frame) {
		t.Fatalf("frame embedding our own packet tail was accepted")
	}
}

func TestAcceptsUnrelatedFrame(t *testing.T) {
	d := antirec.New()
	d.Record(bytes.Repeat([]byte{0x11}, 100))
	if !d.Check([]byte("completely unrelated frame content here")) {
		t.Fatalf("unrelated frame rejected")
	}
	if !d.Check(nil) {
		t.Fatalf("empty frame rejected")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	d := antirec.New()
	old := bytes.Repeat([]byte{0x22}, 64)
	d.Record(old)
	for i := 0; i < 64; i++ {
		d.Record(bytes.Repeat([]byte{byte(i + 100)}, 64))
	}
	if !d.Check(append([]byte("hdr"), old...)) {
		t.Fatalf("entry survived past the history window")
	}
}

func TestShortPacketsStillMatch(t *testing.T) {
	d := antirec.New()
	d.Record([]byte{0xde, 0xad})
	if d.Check([]byte{0x00, 0xde, 0xad, 0x00}) {
		t.Fatalf("short recorded packet not detected")
	}
}
