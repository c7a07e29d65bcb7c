// Package tunnel carries wire packets inside QUIC datagrams for hosts
// whose direct UDP path is blocked or throttled. A node dials a relay and
// forwards its datagrams through it; the relay owns a real UDP socket and
// reflects traffic both ways.
package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	alpnProtocol = "vether-relay"

	// MaxDatagramSize bounds one tunnelled wire packet plus its routing
	// header.
	MaxDatagramSize = 4096

	dialTimeout = 10 * time.Second
)

var ErrClosed = errors.New("tunnel closed")

// EncodeDatagram prefixes a wire packet with its remote address:
// [2]addrLen [addrLen]addr [rest]packet.
func EncodeDatagram(remote netip.AddrPort, packet []byte) ([]byte, error) {
	addr := remote.String()
	if len(addr) > 0xffff {
		return nil, fmt.Errorf("address too long")
	}
	out := make([]byte, 0, 2+len(addr)+len(packet))
	out = binary.BigEndian.AppendUint16(out, uint16(len(addr)))
	out = append(out, addr...)
	out = append(out, packet...)
	if len(out) > MaxDatagramSize {
		return nil, fmt.Errorf("datagram too large: %d", len(out))
	}
	return out, nil
}

func DecodeDatagram(data []byte) (netip.AddrPort, []byte, error) {
	if len(data) < 2 {
		return netip.AddrPort{}, nil, fmt.Errorf("datagram too short")
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+n {
		return netip.AddrPort{}, nil, fmt.Errorf("truncated address")
	}
	ap, err := netip.ParseAddrPort(string(data[2 : 2+n]))
	if err != nil {
		return netip.AddrPort{}, nil, err
	}
	return ap, data[2+n:], nil
}

// Client is the node side of the tunnel.
type Client struct {
	mu     sync.Mutex
	conn   quic.Connection
	closed bool
}

// Dial connects to a relay. insecure skips certificate verification, for
// relays running the development certificate.
func Dial(ctx context.Context, relayAddr string, insecure bool) (*Client, error) {
	tlsConf, err := clientTLSConfig(insecure)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, relayAddr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", relayAddr, err)
	}
	return &Client{conn: conn}, nil
}

// Send forwards one wire packet to remote through the relay.
func (c *Client) Send(remote netip.AddrPort, packet []byte) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	dg, err := EncodeDatagram(remote, packet)
	if err != nil {
		return err
	}
	return conn.SendDatagram(dg)
}

// Receive blocks delivering inbound packets to handle until the tunnel
// closes. handle gets the original remote address and the packet bytes.
func (c *Client) Receive(ctx context.Context, handle func(remote netip.AddrPort, packet []byte)) error {
	for {
		data, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			return err
		}
		remote, packet, err := DecodeDatagram(data)
		if err != nil {
			continue
		}
		handle(remote, packet)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.CloseWithError(0, "bye")
}

// Relay is the far end: it accepts tunnel connections and reflects their
// datagrams through a real UDP socket.
type Relay struct {
	listener *quic.Listener
	udp      *net.UDPConn
}

func NewRelay(listenAddr string) (*Relay, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(listenAddr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &Relay{listener: ln, udp: udp}, nil
}

func (r *Relay) Addr() string { return r.listener.Addr().String() }

// Serve accepts tunnel clients until ctx ends.
func (r *Relay) Serve(ctx context.Context) error {
	for {
		conn, err := r.listener.Accept(ctx)
		if err != nil {
			return err
		}
		go r.serveConn(ctx, conn)
	}
}

// serveConn pumps one client: QUIC datagrams out the UDP socket, UDP
// replies back in. Each connection gets its own socket so return traffic
// can be attributed.
func (r *Relay) serveConn(ctx context.Context, conn quic.Connection) {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		_ = conn.CloseWithError(1, "no socket")
		return
	}
	defer udp.Close()

	go func() {
		buf := make([]byte, MaxDatagramSize)
		for {
			n, from, err := udp.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			dg, err := EncodeDatagram(from, buf[:n])
			if err != nil {
				continue
			}
			_ = conn.SendDatagram(dg)
		}
	}()

	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		remote, packet, err := DecodeDatagram(data)
		if err != nil {
			continue
		}
		_, _ = udp.WriteToUDPAddrPort(packet, remote)
	}
}

func (r *Relay) Close() error {
	r.udp.Close()
	return r.listener.Close()
}
