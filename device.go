package main

import (
	"context"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const deviceQueueSize = 1024

// VirtualIPDevice is the in-memory NIC a virtual interface's TCP/IP stack
// runs on. Inbound IP frames arrive from the tunnel through a bounded
// queue registered under this device's virtual port; outbound frames
// emitted by the stack are pumped back into the tunnel. The device holds
// the tunnel reference, the tunnel holds only the queue: dropping the
// device is what unregisters the port.
type VirtualIPDevice struct {
	ep      *channel.Endpoint
	tunnel  *WireGuardTunnel
	port    VirtualPort
	isSink  bool
	inbound chan []byte

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewVirtualIPDevice creates a device and registers its inbound queue
// with the tunnel under the given virtual port.
func NewVirtualIPDevice(tunnel *WireGuardTunnel, port VirtualPort, mtu int) (*VirtualIPDevice, error) {
	dev := newDevice(tunnel, mtu)
	dev.port = port
	if err := tunnel.Register(port, dev.inbound); err != nil {
		dev.ep.Close()
		return nil, err
	}
	dev.start()
	return dev, nil
}

// NewSinkDevice creates the catch-all device that receives every inbound
// packet matching no registered virtual port.
func NewSinkDevice(tunnel *WireGuardTunnel, mtu int) *VirtualIPDevice {
	dev := newDevice(tunnel, mtu)
	dev.isSink = true
	tunnel.RegisterSink(dev.inbound)
	dev.start()
	return dev
}

func newDevice(tunnel *WireGuardTunnel, mtu int) *VirtualIPDevice {
	return &VirtualIPDevice{
		ep:      channel.New(deviceQueueSize, uint32(mtu), ""),
		tunnel:  tunnel,
		inbound: make(chan []byte, deviceQueueSize),
	}
}

func (d *VirtualIPDevice) start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(2)
	go d.inboundLoop(ctx)
	go d.outboundLoop(ctx)
}

// Endpoint exposes the link endpoint for NIC creation.
func (d *VirtualIPDevice) Endpoint() stack.LinkEndpoint {
	return d.ep
}

// inboundLoop feeds frames delivered by the tunnel into the stack.
func (d *VirtualIPDevice) inboundLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case packet := <-d.inbound:
			var proto tcpip.NetworkProtocolNumber
			switch header.IPVersion(packet) {
			case header.IPv4Version:
				proto = ipv4.ProtocolNumber
			case header.IPv6Version:
				proto = ipv6.ProtocolNumber
			default:
				continue
			}
			pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(packet),
			})
			d.ep.InjectInbound(proto, pkb)
			pkb.DecRef()
		}
	}
}

// outboundLoop drains frames the stack emits and sends them through the
// tunnel for encapsulation.
func (d *VirtualIPDevice) outboundLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		// ReadContext returns nil on cancellation or a closed endpoint;
		// either way the device is done.
		pkt := d.ep.ReadContext(ctx)
		if pkt == nil {
			return
		}
		view := pkt.ToView()
		pkt.DecRef()

		frame := make([]byte, d.ep.MTU()+header.IPv6MinimumSize)
		n, err := view.Read(frame)
		view.Release()
		if err != nil || n == 0 {
			continue
		}
		if err := d.tunnel.SendIP(frame[:n]); err != nil {
			logger.Tracef("[%s] Failed to send packet through tunnel: %v", d.label(), err)
		}
	}
}

func (d *VirtualIPDevice) label() string {
	if d.isSink {
		return "sink"
	}
	return d.port.String()
}

// Close stops the pumps and removes the tunnel registration. Idempotent.
func (d *VirtualIPDevice) Close() {
	d.closeOnce.Do(func() {
		if !d.isSink {
			d.tunnel.Release(d.port)
		}
		d.cancel()
		d.ep.Close()
		d.wg.Wait()
	})
}
