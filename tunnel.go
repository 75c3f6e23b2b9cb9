package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// ErrPortInUse is returned when a virtual port is registered twice.
var ErrPortInUse = errors.New("virtual port is already registered")

// WireGuardTunnel owns the cryptographic session and the real UDP socket
// (both inside wireguard-go's device), the in-memory TUN the device is
// bound to, and the routing table that maps virtual ports to the inbound
// queue of their virtual interface. Decapsulated packets matching no live
// virtual port go to the sink queue.
type WireGuardTunnel struct {
	config *Config
	dev    *device.Device
	tun    *MemoryTUN

	mu     sync.RWMutex
	routes map[VirtualPort]chan<- []byte
	sink   chan<- []byte

	dropped atomic.Uint64
}

// NewWireGuardTunnel binds the UDP socket, performs the initial handshake
// with the configured peer and returns a ready tunnel.
func NewWireGuardTunnel(config *Config) (*WireGuardTunnel, error) {
	memTun := NewMemoryTUN("onetun0", config.MTU)
	dev := device.NewDevice(memTun, conn.NewDefaultBind(), logger.DeviceLogger())

	if err := configureDevice(dev, config); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to configure device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to bring device up: %w", err)
	}
	memTun.SendUp()

	return &WireGuardTunnel{
		config: config,
		dev:    dev,
		tun:    memTun,
		routes: make(map[VirtualPort]chan<- []byte),
	}, nil
}

// configureDevice renders the config into wireguard-go's UAPI format and
// applies it. Keys travel as lowercase hex on this interface.
func configureDevice(dev *device.Device, config *Config) error {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", hexKey(config.PrivateKey))
	fmt.Fprintf(&b, "public_key=%s\n", hexKey(config.PublicKey))
	fmt.Fprintf(&b, "endpoint=%s\n", config.Endpoint)
	if config.PresharedKey != nil {
		fmt.Fprintf(&b, "preshared_key=%s\n", hexKey(*config.PresharedKey))
	}
	if config.Keepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", config.Keepalive)
	}
	// The proxy originates every flow, so accept return traffic from the
	// whole tunneled network.
	fmt.Fprintf(&b, "allowed_ip=0.0.0.0/0\n")
	fmt.Fprintf(&b, "allowed_ip=::/0\n")

	return dev.IpcSet(b.String())
}

func hexKey(key [32]byte) string {
	return hex.EncodeToString(key[:])
}

// SendIP queues one IP frame for encapsulation and transmission. Safe for
// concurrent use; the session transparently re-handshakes when expired.
func (t *WireGuardTunnel) SendIP(packet []byte) error {
	return t.tun.Inject(packet)
}

// Register associates a virtual port with the inbound queue of its
// virtual interface, which is what makes return traffic routable.
func (t *WireGuardTunnel) Register(port VirtualPort, inbound chan<- []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.routes[port]; exists {
		return fmt.Errorf("[%s] %w", port, ErrPortInUse)
	}
	t.routes[port] = inbound
	return nil
}

// Release removes a virtual port registration. Idempotent.
func (t *WireGuardTunnel) Release(port VirtualPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, port)
}

// RegisterSink installs the catch-all queue for packets that match no
// registered virtual port.
func (t *WireGuardTunnel) RegisterSink(inbound chan<- []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = inbound
}

// ConsumeLoop reads decapsulated IP packets from the device and routes
// each to exactly one queue: the registered virtual interface when the
// inner TCP destination port matches, the sink otherwise.
func (t *WireGuardTunnel) ConsumeLoop(ctx context.Context) {
	for {
		packet, err := t.tun.Recv(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				logger.Errorf("Tunnel consume loop failed: %v", err)
			}
			return
		}
		t.route(packet)
	}
}

func (t *WireGuardTunnel) route(packet []byte) {
	port, routable := classifyPacket(packet)

	t.mu.RLock()
	target := t.sink
	if routable {
		if registered, ok := t.routes[port]; ok {
			target = registered
		}
	}
	t.mu.RUnlock()

	if target == nil {
		t.dropped.Add(1)
		return
	}

	select {
	case target <- packet:
	default:
		// A full inbound queue is a network drop, not a tunnel error.
		t.dropped.Add(1)
		logger.Tracef("Dropped inbound packet on full queue (%d total)", t.dropped.Load())
	}
}

// classifyPacket extracts the virtual port (the inner TCP destination
// port) from a decapsulated IP frame. Non-TCP and malformed packets are
// not routable and fall through to the sink.
func classifyPacket(packet []byte) (VirtualPort, bool) {
	switch header.IPVersion(packet) {
	case header.IPv4Version:
		ipHdr := header.IPv4(packet)
		if !ipHdr.IsValid(len(packet)) {
			return VirtualPort{}, false
		}
		if ipHdr.More() || ipHdr.FragmentOffset() != 0 {
			return VirtualPort{}, false
		}
		if ipHdr.TransportProtocol() != header.TCPProtocolNumber {
			return VirtualPort{}, false
		}
		payload := ipHdr.Payload()
		if len(payload) < header.TCPMinimumSize {
			return VirtualPort{}, false
		}
		return TCPVirtualPort(header.TCP(payload).DestinationPort()), true
	case header.IPv6Version:
		ipHdr := header.IPv6(packet)
		if !ipHdr.IsValid(len(packet)) {
			return VirtualPort{}, false
		}
		// Extension header chains are not walked; such packets sink.
		if ipHdr.TransportProtocol() != header.TCPProtocolNumber {
			return VirtualPort{}, false
		}
		payload := ipHdr.Payload()
		if len(payload) < header.TCPMinimumSize {
			return VirtualPort{}, false
		}
		return TCPVirtualPort(header.TCP(payload).DestinationPort()), true
	default:
		return VirtualPort{}, false
	}
}

// RoutineLoop periodically surfaces session health. The handshake, rekey
// and keepalive timers themselves run inside wireguard-go's device; this
// loop watches them and reports at trace level.
func (t *WireGuardTunnel) RoutineLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := t.dev.IpcGet()
			if err != nil {
				logger.Errorf("Failed to query device state: %v", err)
				continue
			}
			logDeviceStats(stats)
		}
	}
}

func logDeviceStats(stats string) {
	var handshakeAge, rx, tx string
	for _, line := range strings.Split(stats, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "last_handshake_time_sec":
			handshakeAge = value
		case "rx_bytes":
			rx = value
		case "tx_bytes":
			tx = value
		}
	}
	logger.Tracef("Session state: last_handshake_sec=%s rx=%s tx=%s", handshakeAge, rx, tx)
}

// Close tears the tunnel down: device, UDP socket and memory TUN.
func (t *WireGuardTunnel) Close() error {
	t.dev.Close()
	return t.tun.Close()
}
