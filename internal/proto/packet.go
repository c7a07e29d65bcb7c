// Package proto defines the wire packet format: a fixed 19-byte header
// (packet id, destination, source, verb) followed by a verb-specific
// payload. Hello payloads travel in cleartext and are signed; everything
// else is sealed by the switch before it reaches this layer's Encode.
package proto

import (
	"encoding/binary"
	"fmt"

	"vether/internal/identity"
)

const (
	HeaderSize    = 8 + 2*identity.AddressLength + 1
	MaxPacketSize = 16384
)

type Verb byte

const (
	VerbHello                Verb = 0x01
	VerbOK                   Verb = 0x02
	VerbWhois                Verb = 0x04
	VerbFrame                Verb = 0x06
	VerbExtFrame             Verb = 0x07
	VerbMulticastLike        Verb = 0x09
	VerbNetworkConfigRequest Verb = 0x0b
	VerbNetworkConfigRefresh Verb = 0x0c
)

func (v Verb) String() string {
	switch v {
	case VerbHello:
		return "HELLO"
	case VerbOK:
		return "OK"
	case VerbWhois:
		return "WHOIS"
	case VerbFrame:
		return "FRAME"
	case VerbExtFrame:
		return "EXT_FRAME"
	case VerbMulticastLike:
		return "MULTICAST_LIKE"
	case VerbNetworkConfigRequest:
		return "NETWORK_CONFIG_REQUEST"
	case VerbNetworkConfigRefresh:
		return "NETWORK_CONFIG_REFRESH"
	}
	return fmt.Sprintf("VERB_%02x", byte(v))
}

type Packet struct {
	ID      uint64
	Dest    identity.Address
	Src     identity.Address
	Verb    Verb
	Payload []byte
}

func (p *Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPacketSize-HeaderSize {
		return nil, fmt.Errorf("payload too large: %d", len(p.Payload))
	}
	out := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint64(out[:8], p.ID)
	db := p.Dest.Bytes()
	sb := p.Src.Bytes()
	copy(out[8:13], db[:])
	copy(out[13:18], sb[:])
	out[18] = byte(p.Verb)
	copy(out[HeaderSize:], p.Payload)
	return out, nil
}

func Parse(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet shorter than header: %d", len(data))
	}
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d", len(data))
	}
	dest, err := identity.AddressFromBytes(data[8:13])
	if err != nil {
		return nil, err
	}
	src, err := identity.AddressFromBytes(data[13:18])
	if err != nil {
		return nil, err
	}
	p := &Packet{
		ID:   binary.BigEndian.Uint64(data[:8]),
		Dest: dest,
		Src:  src,
		Verb: Verb(data[18]),
	}
	if len(data) > HeaderSize {
		p.Payload = append([]byte(nil), data[HeaderSize:]...)
	}
	return p, nil
}

// Header returns the encoded header alone, used as AAD when sealing the
// payload.
func (p *Packet) Header() []byte {
	var out [HeaderSize]byte
	binary.BigEndian.PutUint64(out[:8], p.ID)
	db := p.Dest.Bytes()
	sb := p.Src.Bytes()
	copy(out[8:13], db[:])
	copy(out[13:18], sb[:])
	out[18] = byte(p.Verb)
	return out[:]
}
