package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/armon/go-socks5"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// SOCKS5Server is an optional front-end that opens arbitrary TCP
// destinations through the same packet plane the port forwarder uses:
// every dial allocates a virtual port and a per-connection virtual
// interface of its own.
type SOCKS5Server struct {
	server   *socks5.Server
	listener net.Listener
}

func NewSOCKS5Server(listenAddr string, config *Config, pool *PortPool, tunnel *WireGuardTunnel) (*SOCKS5Server, error) {
	socksConfig := &socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if network != "tcp" && network != "tcp4" && network != "tcp6" {
				return nil, fmt.Errorf("unsupported network %q", network)
			}
			dest, err := resolveAddrPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid destination %q: %w", addr, err)
			}
			logger.Debugf("SOCKS5 dial through tunnel: %s", dest)
			return dialThroughTunnel(ctx, config, pool, tunnel, dest)
		},
	}

	server, err := socks5.New(socksConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 server: %w", err)
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for SOCKS5 connections: %w", err)
	}

	s := &SOCKS5Server{
		server:   server,
		listener: listener,
	}

	go func() {
		if err := server.Serve(listener); err != nil {
			// Listener closed during shutdown lands here as well.
			logger.Debugf("SOCKS5 server stopped: %v", err)
		}
	}()

	return s, nil
}

func (s *SOCKS5Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *SOCKS5Server) Close() error {
	return s.listener.Close()
}

// dialThroughTunnel opens one TCP connection to dest across the tunnel,
// backed by a dedicated virtual port and interface. Closing the returned
// connection releases both.
func dialThroughTunnel(ctx context.Context, config *Config, pool *PortPool, tunnel *WireGuardTunnel, dest netip.AddrPort) (net.Conn, error) {
	virtualPort, err := pool.Next()
	if err != nil {
		return nil, err
	}

	dev, err := NewVirtualIPDevice(tunnel, virtualPort, config.MTU)
	if err != nil {
		pool.Release(virtualPort)
		return nil, err
	}

	netStack, err := newNetstack(dev.Endpoint(), config.SourcePeerIP, dest.Addr())
	if err != nil {
		dev.Close()
		pool.Release(virtualPort)
		return nil, err
	}

	cleanup := func() {
		netStack.Close()
		netStack.Wait()
		dev.Close()
		pool.Release(virtualPort)
	}

	conn, err := dialVirtual(ctx, netStack, config.SourcePeerIP, virtualPort.Port, dest)
	if err != nil {
		cleanup()
		return nil, err
	}

	return &virtualConn{TCPConn: conn, cleanup: cleanup}, nil
}

// virtualConn ties the lifetime of a dialed virtual connection to its
// backing interface: Close tears down the stack, the device registration
// and the virtual port.
type virtualConn struct {
	*gonet.TCPConn
	cleanup func()
	once    sync.Once
}

func (c *virtualConn) Close() error {
	err := c.TCPConn.Close()
	c.once.Do(c.cleanup)
	return err
}
