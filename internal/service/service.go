// Package service wires the node core to a real host: a UDP socket (or a
// relay tunnel), the file data store, and a scheduler that honors the
// core's background deadline.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"vether/internal/core"
	"vether/internal/debuglog"
	"vether/internal/proto"
	"vether/internal/store"
	"vether/internal/tunnel"
	"vether/internal/vnet"
)

const maxWirePacket = proto.MaxPacketSize

type Options struct {
	Home                 string
	ListenAddr           string   // host:port for the UDP socket
	Networks             []uint64 // networks to join at startup
	RelayAddr            string   // optional QUIC relay; replaces direct UDP sends
	RelayInsecure        bool
	OverrideRootTopology string
}

type Service struct {
	opts  Options
	store *store.FileStore
	node  *core.Node
	udp   *net.UDPConn
	tun   *tunnel.Client

	mu       sync.Mutex
	deadline int64
}

func nowMs() int64 { return time.Now().UnixMilli() }

func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Home == "" {
		return nil, fmt.Errorf("missing home directory")
	}
	fs, err := store.New(opts.Home)
	if err != nil {
		return nil, err
	}
	s := &Service{opts: opts, store: fs}

	laddr, err := net.ResolveUDPAddr("udp", opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen address: %w", err)
	}
	s.udp, err = net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	if opts.RelayAddr != "" {
		s.tun, err = tunnel.Dial(ctx, opts.RelayAddr, opts.RelayInsecure)
		if err != nil {
			s.udp.Close()
			return nil, err
		}
	}

	node, err := core.New(nowMs(), core.Hooks{
		DataStoreGet: fs.Get,
		DataStorePut: fs.Put,
		WirePacketSend: func(remote netip.AddrPort, _ int, data []byte) bool {
			if s.tun != nil {
				return s.tun.Send(remote, data) == nil
			}
			_, err := s.udp.WriteToUDPAddrPort(data, remote)
			return err == nil
		},
		VirtualNetworkFrame: func(nwid uint64, srcMac, dstMac proto.MAC, etherType, vlanID int, data []byte) {
			// No tap integration here; surface the frame for whoever is
			// watching.
			debuglog.Debugf("frame nwid=%016x %s -> %s ethertype=%04x vlan=%d len=%d",
				nwid, srcMac, dstMac, etherType, vlanID, len(data))
		},
		VirtualNetworkConfig: func(nwid uint64, op vnet.ConfigOperation, cfg *vnet.Config) {
			name := ""
			if cfg != nil {
				name = cfg.Name
			}
			debuglog.Logf("network %016x op=%d name=%q", nwid, op, name)
		},
		StatusCallback: func(e core.Event) {
			debuglog.Logf("event %s", e)
		},
	}, opts.OverrideRootTopology)
	if err != nil {
		if s.tun != nil {
			s.tun.Close()
		}
		s.udp.Close()
		return nil, err
	}
	s.node = node

	for _, nwid := range opts.Networks {
		if err := node.Join(nwid); err != nil {
			debuglog.Logf("join %016x: %v", nwid, err)
		}
	}
	return s, nil
}

// Node exposes the embedded core for status queries.
func (s *Service) Node() *core.Node { return s.node }

func (s *Service) LocalAddr() string { return s.udp.LocalAddr().String() }

// Run pumps packets and the background loop until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	errs := make(chan error, 3)

	go func() { errs <- s.readLoop(ctx) }()
	if s.tun != nil {
		go func() {
			errs <- s.tun.Receive(ctx, func(remote netip.AddrPort, packet []byte) {
				s.processWire(remote, packet)
			})
		}()
	}
	go func() { errs <- s.backgroundLoop(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errs:
		return err
	}
}

func (s *Service) readLoop(ctx context.Context) error {
	buf := make([]byte, maxWirePacket)
	for {
		_ = s.udp.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := s.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			return err
		}
		packet := append([]byte(nil), buf[:n]...)
		s.processWire(from, packet)
	}
}

func (s *Service) processWire(from netip.AddrPort, packet []byte) {
	s.mu.Lock()
	deadline := s.deadline
	err := s.node.ProcessWirePacket(nowMs(), from, 0, packet, &deadline)
	s.deadline = deadline
	s.mu.Unlock()
	if err != nil && !errors.Is(err, core.ErrPacketInvalid) {
		debuglog.Logf("wire packet: %v", err)
	}
}

// backgroundLoop calls the core when its deadline arrives, polling at the
// timer granularity.
func (s *Service) backgroundLoop(ctx context.Context) error {
	tick := time.NewTicker(core.TimerTaskGranularity)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		now := nowMs()
		s.mu.Lock()
		if now >= s.deadline {
			deadline := s.deadline
			if err := s.node.ProcessBackgroundTasks(now, &deadline); err != nil {
				s.mu.Unlock()
				return err
			}
			s.deadline = deadline
		}
		s.mu.Unlock()
	}
}

func (s *Service) Close() {
	if s.tun != nil {
		_ = s.tun.Close()
	}
	_ = s.udp.Close()
	if s.node != nil {
		s.node.Close()
	}
}
