package vswitch

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/crypto/chacha20poly1305"

	"vether/internal/identity"
	"vether/internal/proto"
)

// Verb payloads. Hello and OK travel in cleartext so two nodes that have
// never met can bootstrap; everything else is sealed with the pairwise key
// using the packet header as AAD and a header-derived nonce. Packet ids are
// random per packet, so nonces never repeat for a given key and direction.

const protocolVersion = 1

func sealPayload(key []byte, pkt *proto.Packet, plaintext []byte) error {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	header := pkt.Header()
	var nonce [chacha20poly1305.NonceSizeX]byte
	copy(nonce[:], header)
	pkt.Payload = aead.Seal(nil, nonce[:], plaintext, header)
	return nil
}

func openPayload(key []byte, pkt *proto.Packet) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	header := pkt.Header()
	var nonce [chacha20poly1305.NonceSizeX]byte
	copy(nonce[:], header)
	return aead.Open(nil, nonce[:], pkt.Payload, header)
}

type helloPayload struct {
	ProtocolVersion byte
	Major           byte
	Minor           byte
	Revision        byte
	Timestamp       int64
	Identity        *identity.Identity
}

func encodeHello(h *helloPayload, signer *identity.Identity) ([]byte, error) {
	idStr := h.Identity.String()
	body := make([]byte, 0, 12+2+len(idStr))
	body = append(body, h.ProtocolVersion, h.Major, h.Minor, h.Revision)
	body = binary.BigEndian.AppendUint64(body, uint64(h.Timestamp))
	body = appendLenPrefixed(body, []byte(idStr))
	sig, err := signer.Sign(body)
	if err != nil {
		return nil, err
	}
	return appendLenPrefixed(body, sig), nil
}

func parseHello(payload []byte) (*helloPayload, error) {
	if len(payload) < 14 {
		return nil, fmt.Errorf("hello too short: %d", len(payload))
	}
	h := &helloPayload{
		ProtocolVersion: payload[0],
		Major:           payload[1],
		Minor:           payload[2],
		Revision:        payload[3],
		Timestamp:       int64(binary.BigEndian.Uint64(payload[4:12])),
	}
	idRaw, rest, err := readLenPrefixed(payload[12:])
	if err != nil {
		return nil, fmt.Errorf("hello identity: %w", err)
	}
	id, err := identity.FromString(string(idRaw))
	if err != nil {
		return nil, fmt.Errorf("hello identity: %w", err)
	}
	h.Identity = id
	sig, _, err := readLenPrefixed(rest)
	if err != nil {
		return nil, fmt.Errorf("hello signature: %w", err)
	}
	signedLen := len(payload) - len(rest)
	if !id.Verify(payload[:signedLen], sig) {
		return nil, fmt.Errorf("hello signature verification failed")
	}
	return h, nil
}

type okPayload struct {
	InRe          proto.Verb
	Timestamp     int64  // OK(HELLO): echoed hello timestamp
	Major         byte   // OK(HELLO): responder version
	Minor         byte
	Revision      byte
	Surface       netip.AddrPort // OK(HELLO): requester's address as seen by responder
	IdentityBytes []byte         // OK(WHOIS): requested identity string
}

func encodeOK(ok *okPayload) []byte {
	out := []byte{byte(ok.InRe)}
	switch ok.InRe {
	case proto.VerbHello:
		out = binary.BigEndian.AppendUint64(out, uint64(ok.Timestamp))
		out = append(out, ok.Major, ok.Minor, ok.Revision)
		surface := ""
		if ok.Surface.IsValid() {
			surface = ok.Surface.String()
		}
		out = appendLenPrefixed(out, []byte(surface))
	case proto.VerbWhois:
		out = appendLenPrefixed(out, ok.IdentityBytes)
	}
	return out
}

func parseOK(payload []byte) (*okPayload, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty OK")
	}
	ok := &okPayload{InRe: proto.Verb(payload[0])}
	rest := payload[1:]
	switch ok.InRe {
	case proto.VerbHello:
		if len(rest) < 11 {
			return nil, fmt.Errorf("OK(HELLO) too short")
		}
		ok.Timestamp = int64(binary.BigEndian.Uint64(rest[:8]))
		ok.Major, ok.Minor, ok.Revision = rest[8], rest[9], rest[10]
		surfaceRaw, _, err := readLenPrefixed(rest[11:])
		if err != nil {
			return nil, fmt.Errorf("OK(HELLO) surface: %w", err)
		}
		if len(surfaceRaw) > 0 {
			ap, err := netip.ParseAddrPort(string(surfaceRaw))
			if err == nil {
				ok.Surface = ap
			}
		}
	case proto.VerbWhois:
		idRaw, _, err := readLenPrefixed(rest)
		if err != nil {
			return nil, fmt.Errorf("OK(WHOIS) identity: %w", err)
		}
		ok.IdentityBytes = idRaw
	default:
		return nil, fmt.Errorf("OK in re unsupported verb %s", ok.InRe)
	}
	return ok, nil
}

type framePayload struct {
	NWID      uint64
	EtherType int
	Data      []byte
}

func encodeFrame(f *framePayload) []byte {
	out := make([]byte, 0, 10+len(f.Data))
	out = binary.BigEndian.AppendUint64(out, f.NWID)
	out = binary.BigEndian.AppendUint16(out, uint16(f.EtherType))
	return append(out, f.Data...)
}

func parseFrame(payload []byte) (*framePayload, error) {
	if len(payload) < 10 {
		return nil, fmt.Errorf("frame too short: %d", len(payload))
	}
	return &framePayload{
		NWID:      binary.BigEndian.Uint64(payload[:8]),
		EtherType: int(binary.BigEndian.Uint16(payload[8:10])),
		Data:      payload[10:],
	}, nil
}

type extFramePayload struct {
	NWID      uint64
	DstMAC    proto.MAC
	SrcMAC    proto.MAC
	EtherType int
	VlanID    int
	Data      []byte
}

func encodeExtFrame(f *extFramePayload) []byte {
	out := make([]byte, 0, 24+len(f.Data))
	out = binary.BigEndian.AppendUint64(out, f.NWID)
	out = appendMAC(out, f.DstMAC)
	out = appendMAC(out, f.SrcMAC)
	out = binary.BigEndian.AppendUint16(out, uint16(f.EtherType))
	out = binary.BigEndian.AppendUint16(out, uint16(f.VlanID))
	return append(out, f.Data...)
}

func parseExtFrame(payload []byte) (*extFramePayload, error) {
	if len(payload) < 24 {
		return nil, fmt.Errorf("ext frame too short: %d", len(payload))
	}
	return &extFramePayload{
		NWID:      binary.BigEndian.Uint64(payload[:8]),
		DstMAC:    readMAC(payload[8:14]),
		SrcMAC:    readMAC(payload[14:20]),
		EtherType: int(binary.BigEndian.Uint16(payload[20:22])),
		VlanID:    int(binary.BigEndian.Uint16(payload[22:24])),
		Data:      payload[24:],
	}, nil
}

type likeEntry struct {
	NWID uint64
	MAC  proto.MAC
	ADI  uint32
}

func encodeLikes(likes []likeEntry) []byte {
	out := make([]byte, 0, len(likes)*18)
	for _, l := range likes {
		out = binary.BigEndian.AppendUint64(out, l.NWID)
		out = appendMAC(out, l.MAC)
		out = binary.BigEndian.AppendUint32(out, l.ADI)
	}
	return out
}

func parseLikes(payload []byte) ([]likeEntry, error) {
	if len(payload)%18 != 0 {
		return nil, fmt.Errorf("multicast like length %d not a multiple of 18", len(payload))
	}
	out := make([]likeEntry, 0, len(payload)/18)
	for i := 0; i+18 <= len(payload); i += 18 {
		out = append(out, likeEntry{
			NWID: binary.BigEndian.Uint64(payload[i : i+8]),
			MAC:  readMAC(payload[i+8 : i+14]),
			ADI:  binary.BigEndian.Uint32(payload[i+14 : i+18]),
		})
	}
	return out, nil
}

type netconfPayload struct {
	NWID uint64
	Doc  []byte // dictionary text: request metadata or the configuration
}

func encodeNetconf(n *netconfPayload) []byte {
	out := make([]byte, 0, 10+len(n.Doc))
	out = binary.BigEndian.AppendUint64(out, n.NWID)
	return appendLenPrefixed(out, n.Doc)
}

func parseNetconf(payload []byte) (*netconfPayload, error) {
	if len(payload) < 10 {
		return nil, fmt.Errorf("netconf too short: %d", len(payload))
	}
	doc, _, err := readLenPrefixed(payload[8:])
	if err != nil {
		return nil, fmt.Errorf("netconf document: %w", err)
	}
	return &netconfPayload{
		NWID: binary.BigEndian.Uint64(payload[:8]),
		Doc:  doc,
	}, nil
}

func appendLenPrefixed(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(b)))
	return append(dst, b...)
}

func readLenPrefixed(b []byte) (data, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("short length prefix")
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+n {
		return nil, nil, fmt.Errorf("truncated field: want %d have %d", n, len(b)-2)
	}
	return b[2 : 2+n], b[2+n:], nil
}

func appendMAC(dst []byte, m proto.MAC) []byte {
	v := uint64(m)
	return append(dst, byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readMAC(b []byte) proto.MAC {
	return proto.MAC(uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5]))
}
