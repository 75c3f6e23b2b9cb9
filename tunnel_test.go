package main

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// newTestTunnel builds a tunnel with routing state but no device, enough
// to exercise registration, classification and dispatch in isolation.
func newTestTunnel() *WireGuardTunnel {
	return &WireGuardTunnel{
		tun:    NewMemoryTUN("test0", DefaultMTU),
		routes: make(map[VirtualPort]chan<- []byte),
	}
}

// craftTCPSegment builds a checksummed IPv4 TCP segment with no payload.
func craftTCPSegment(src, dst netip.AddrPort, flags header.TCPFlags, seq uint32) []byte {
	buf := make([]byte, header.IPv4MinimumSize+header.TCPMinimumSize)

	ipHdr := header.IPv4(buf)
	ipHdr.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(buf)),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     tcpip.AddrFromSlice(src.Addr().AsSlice()),
		DstAddr:     tcpip.AddrFromSlice(dst.Addr().AsSlice()),
	})
	ipHdr.SetChecksum(^ipHdr.CalculateChecksum())

	tcpHdr := header.TCP(buf[header.IPv4MinimumSize:])
	tcpHdr.Encode(&header.TCPFields{
		SrcPort:    src.Port(),
		DstPort:    dst.Port(),
		SeqNum:     seq,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: 65535,
	})
	xsum := header.PseudoHeaderChecksum(
		header.TCPProtocolNumber,
		tcpip.AddrFromSlice(src.Addr().AsSlice()),
		tcpip.AddrFromSlice(dst.Addr().AsSlice()),
		uint16(header.TCPMinimumSize),
	)
	tcpHdr.SetChecksum(^tcpHdr.CalculateChecksum(xsum))

	return buf
}

func TestClassifyPacket(t *testing.T) {
	src := netip.MustParseAddrPort("192.168.4.2:9000")
	dst := netip.MustParseAddrPort("192.168.4.3:4242")

	tests := []struct {
		name     string
		packet   []byte
		wantPort VirtualPort
		wantOK   bool
	}{
		{
			name:     "tcp syn",
			packet:   craftTCPSegment(src, dst, header.TCPFlagSyn, 1),
			wantPort: TCPVirtualPort(4242),
			wantOK:   true,
		},
		{
			name:     "tcp data",
			packet:   craftTCPSegment(src, netip.MustParseAddrPort("192.168.4.3:1000"), header.TCPFlagAck|header.TCPFlagPsh, 77),
			wantPort: TCPVirtualPort(1000),
			wantOK:   true,
		},
		{
			name:   "empty",
			packet: nil,
			wantOK: false,
		},
		{
			name:   "garbage",
			packet: []byte{0xde, 0xad, 0xbe, 0xef},
			wantOK: false,
		},
		{
			name:   "truncated header",
			packet: craftTCPSegment(src, dst, header.TCPFlagSyn, 1)[:header.IPv4MinimumSize+4],
			wantOK: false,
		},
		{
			name: "udp",
			packet: func() []byte {
				p := craftTCPSegment(src, dst, header.TCPFlagSyn, 1)
				header.IPv4(p).Encode(&header.IPv4Fields{
					TotalLength: uint16(len(p)),
					TTL:         64,
					Protocol:    uint8(header.UDPProtocolNumber),
					SrcAddr:     tcpip.AddrFromSlice(src.Addr().AsSlice()),
					DstAddr:     tcpip.AddrFromSlice(dst.Addr().AsSlice()),
				})
				return p
			}(),
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, ok := classifyPacket(tt.packet)
			if ok != tt.wantOK {
				t.Fatalf("classifyPacket ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && port != tt.wantPort {
				t.Errorf("classifyPacket port = %s, want %s", port, tt.wantPort)
			}
		})
	}
}

func TestTunnelRegisterDuplicate(t *testing.T) {
	tunnel := newTestTunnel()
	defer tunnel.tun.Close()

	port := TCPVirtualPort(5000)
	if err := tunnel.Register(port, make(chan []byte, 1)); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	err := tunnel.Register(port, make(chan []byte, 1))
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("duplicate Register error = %v, want ErrPortInUse", err)
	}
}

func TestTunnelReleaseIdempotent(t *testing.T) {
	tunnel := newTestTunnel()
	defer tunnel.tun.Close()

	port := TCPVirtualPort(5000)
	if err := tunnel.Register(port, make(chan []byte, 1)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	tunnel.Release(port)
	tunnel.Release(port)

	// Re-registration after release must succeed.
	if err := tunnel.Register(port, make(chan []byte, 1)); err != nil {
		t.Fatalf("Register after Release failed: %v", err)
	}
}

func TestTunnelRouteToRegisteredPort(t *testing.T) {
	tunnel := newTestTunnel()
	defer tunnel.tun.Close()

	inbound := make(chan []byte, 4)
	sink := make(chan []byte, 4)
	tunnel.RegisterSink(sink)
	if err := tunnel.Register(TCPVirtualPort(4242), inbound); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	packet := craftTCPSegment(
		netip.MustParseAddrPort("192.168.4.2:9000"),
		netip.MustParseAddrPort("192.168.4.3:4242"),
		header.TCPFlagSyn, 1,
	)
	tunnel.route(packet)

	select {
	case got := <-inbound:
		if len(got) != len(packet) {
			t.Errorf("delivered %d bytes, want %d", len(got), len(packet))
		}
	default:
		t.Fatal("packet not delivered to registered queue")
	}
	select {
	case <-sink:
		t.Fatal("packet delivered to sink as well")
	default:
	}
}

func TestTunnelRouteUnmatchedToSink(t *testing.T) {
	tunnel := newTestTunnel()
	defer tunnel.tun.Close()

	inbound := make(chan []byte, 4)
	sink := make(chan []byte, 4)
	tunnel.RegisterSink(sink)
	if err := tunnel.Register(TCPVirtualPort(4242), inbound); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for _, packet := range [][]byte{
		// Unregistered destination port.
		craftTCPSegment(
			netip.MustParseAddrPort("192.168.4.2:9000"),
			netip.MustParseAddrPort("192.168.4.3:5353"),
			header.TCPFlagSyn, 1,
		),
		// Not parseable as TCP at all.
		{0x00, 0x01, 0x02},
	} {
		tunnel.route(packet)
		select {
		case <-sink:
		case <-time.After(time.Second):
			t.Fatal("packet not delivered to sink")
		}
		select {
		case <-inbound:
			t.Fatal("registered connection observed unmatched packet")
		default:
		}
	}
}

func TestTunnelRouteDropsOnFullQueue(t *testing.T) {
	tunnel := newTestTunnel()
	defer tunnel.tun.Close()

	inbound := make(chan []byte, 1)
	if err := tunnel.Register(TCPVirtualPort(4242), inbound); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	packet := craftTCPSegment(
		netip.MustParseAddrPort("192.168.4.2:9000"),
		netip.MustParseAddrPort("192.168.4.3:4242"),
		header.TCPFlagAck, 7,
	)
	tunnel.route(packet)
	tunnel.route(packet) // queue full: dropped, not blocked

	if got := tunnel.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}
