package main

import (
	"context"
	"fmt"
)

// RunIPSink runs the catch-all interface for decapsulated IP packets that
// match no live virtual port. Its stack owns no sockets and no addresses:
// stray segments traverse TCP, which answers unknown connections with RST
// back through the tunnel, and everything else is discarded. It blocks
// until the context ends.
func RunIPSink(ctx context.Context, tunnel *WireGuardTunnel, mtu int) error {
	dev := NewSinkDevice(tunnel, mtu)

	netStack, err := newNetstack(dev.Endpoint())
	if err != nil {
		dev.Close()
		return fmt.Errorf("failed to build sink interface: %w", err)
	}

	logger.Debugf("IP sink interface running")
	<-ctx.Done()

	netStack.Close()
	netStack.Wait()
	dev.Close()
	return nil
}
