package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

const nicID = 1

// abortPollInterval bounds how long teardown lags behind the abort flag.
const abortPollInterval = 5 * time.Millisecond

// VirtualTCPInterface is the per-connection endpoint of the packet plane:
// a TCP/IP stack bound to a VirtualIPDevice, hosting the one virtual
// client socket that speaks TCP to the destination on the real client's
// behalf. Two bounded byte-chunk queues connect it to the bridge.
type VirtualTCPInterface struct {
	port   VirtualPort
	dest   netip.AddrPort
	source netip.Addr
	mtu    int
	tunnel *WireGuardTunnel

	abort        *atomic.Bool
	toRealClient chan<- []byte
	toRealServer <-chan []byte
	ready        chan<- error
}

func NewVirtualTCPInterface(
	port VirtualPort,
	config *Config,
	tunnel *WireGuardTunnel,
	abort *atomic.Bool,
	toRealClient chan<- []byte,
	toRealServer <-chan []byte,
	ready chan<- error,
) *VirtualTCPInterface {
	return &VirtualTCPInterface{
		port:         port,
		dest:         config.Destination,
		source:       config.SourcePeerIP,
		mtu:          config.MTU,
		tunnel:       tunnel,
		abort:        abort,
		toRealClient: toRealClient,
		toRealServer: toRealServer,
		ready:        ready,
	}
}

// Run drives the interface until the connection ends or abort is set.
// cancel is invoked on exit so the bridge side unblocks promptly.
func (v *VirtualTCPInterface) Run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	defer v.abort.Store(true)
	defer close(v.toRealClient)

	dev, err := NewVirtualIPDevice(v.tunnel, v.port, v.mtu)
	if err != nil {
		v.ready <- fmt.Errorf("failed to register virtual device: %w", err)
		return
	}
	defer dev.Close()

	netStack, err := newNetstack(dev.Endpoint(), v.source, v.dest.Addr())
	if err != nil {
		v.ready <- fmt.Errorf("failed to build virtual interface: %w", err)
		return
	}
	defer func() {
		netStack.Close()
		netStack.Wait()
	}()

	conn, err := dialVirtual(ctx, netStack, v.source, v.port.Port, v.dest)
	if err != nil {
		v.ready <- fmt.Errorf("virtual client failed to connect: %w", err)
		return
	}
	defer conn.Close()

	v.ready <- nil
	logger.Debugf("[%s] Virtual client connected to %s", v.port, v.dest)

	// The abort flag is the sole cancellation primitive shared with the
	// bridge; fold it into the context both pumps block on.
	pumpCtx, pumpCancel := context.WithCancel(ctx)
	defer pumpCancel()
	go func() {
		ticker := time.NewTicker(abortPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-ticker.C:
				if v.abort.Load() {
					conn.Close()
					pumpCancel()
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		v.sendPump(pumpCtx, conn)
	}()

	v.recvPump(pumpCtx, conn)
	conn.Close()
	pumpCancel()
	wg.Wait()

	logger.Tracef("[%s] Virtual interface terminated", v.port)
}

// recvPump copies bytes the virtual client receives into the queue the
// bridge drains. A full queue blocks, which stops draining the virtual
// socket and lets TCP flow control push back on the sender.
func (v *VirtualTCPInterface) recvPump(ctx context.Context, conn *gonet.TCPConn) {
	buffer := make([]byte, MaxPacket)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			select {
			case v.toRealClient <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				logger.Debugf("[%s] Virtual client read ended: %v", v.port, err)
			}
			return
		}
	}
}

// sendPump feeds bytes from the bridge into the virtual client socket.
// The bridge closing its queue is the real client's FIN; it propagates as
// a half-close so in-flight return traffic still drains.
func (v *VirtualTCPInterface) sendPump(ctx context.Context, conn *gonet.TCPConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-v.toRealServer:
			if !ok {
				conn.CloseWrite()
				return
			}
			if _, err := conn.Write(chunk); err != nil {
				if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					logger.Debugf("[%s] Virtual client write ended: %v", v.port, err)
				}
				return
			}
		}
	}
}

// newNetstack assembles the TCP/IP stack for one virtual interface: the
// device as its NIC, the given addresses bound host-width, default routes
// for both families, and promiscuous + spoofing mode so the stack accepts
// packets for either address the way the packet plane requires.
func newNetstack(link stack.LinkEndpoint, addrs ...netip.Addr) (*stack.Stack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	if err := s.CreateNIC(nicID, link); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create NIC: %s", err)
	}

	for _, addr := range addrs {
		protoAddr := tcpip.ProtocolAddress{
			Protocol:          protocolFor(addr),
			AddressWithPrefix: tcpip.AddrFromSlice(addr.AsSlice()).WithPrefix(),
		}
		if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to add address %s: %s", addr, err)
		}
	}

	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	if err := s.SetPromiscuousMode(nicID, true); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to set promiscuous mode: %s", err)
	}
	if err := s.SetSpoofing(nicID, true); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to set spoofing: %s", err)
	}

	return s, nil
}

func protocolFor(addr netip.Addr) tcpip.NetworkProtocolNumber {
	if addr.Is4() {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}

// dialVirtual opens the virtual client socket: a TCP connection to dest
// originated from (source, virtualPort), synthesized entirely in memory.
func dialVirtual(ctx context.Context, s *stack.Stack, source netip.Addr, virtualPort uint16, dest netip.AddrPort) (*gonet.TCPConn, error) {
	localAddr := tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFromSlice(source.AsSlice()),
		Port: virtualPort,
	}
	remoteAddr := tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFromSlice(dest.Addr().AsSlice()),
		Port: dest.Port(),
	}
	return gonet.DialTCPWithBind(ctx, s, localAddr, remoteAddr, protocolFor(dest.Addr()))
}
