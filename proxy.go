package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// MaxPacket bounds a single read from either side of the bridge.
const MaxPacket = 65536

// chunkQueueSize bounds the per-connection byte-chunk queues. The bound
// protects memory; TCP flow control re-emerges at both ends naturally.
const chunkQueueSize = 1000

// TCPProxyServer accepts real TCP connections and bridges each one onto
// its own virtual interface through the WireGuard tunnel.
type TCPProxyServer struct {
	config   *Config
	pool     *PortPool
	tunnel   *WireGuardTunnel
	listener net.Listener
}

// NewTCPProxyServer binds the listening socket on the configured source
// address. Bind failure is fatal at startup.
func NewTCPProxyServer(config *Config, pool *PortPool, tunnel *WireGuardTunnel) (*TCPProxyServer, error) {
	listener, err := net.Listen("tcp", config.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on TCP proxy server: %w", err)
	}
	return &TCPProxyServer{
		config:   config,
		pool:     pool,
		tunnel:   tunnel,
		listener: listener,
	}, nil
}

// Addr returns the bound listen address.
func (s *TCPProxyServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the context ends or the listener fails.
func (s *TCPProxyServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		socket, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection on TCP proxy server: %w", err)
		}
		go s.handleConnection(ctx, socket)
	}
}

// handleConnection assigns a virtual port, spawns the virtual interface
// and bridges bytes until either side ends.
func (s *TCPProxyServer) handleConnection(ctx context.Context, socket net.Conn) {
	defer socket.Close()
	peerAddr := socket.RemoteAddr()

	// The virtual port routes IP packets received from the tunnel back to
	// this connection; it is the port the virtual client originates from.
	virtualPort, err := s.pool.Next()
	if err != nil {
		logger.Errorf("Failed to assign virtual port for connection [%s]: %v", peerAddr, err)
		return
	}
	defer s.pool.Release(virtualPort)

	logger.Infof("[%s] Incoming connection from %s", virtualPort, peerAddr)

	abort := &atomic.Bool{}
	toRealClient := make(chan []byte, chunkQueueSize)
	toRealServer := make(chan []byte, chunkQueueSize)
	ready := make(chan error, 1)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	iface := NewVirtualTCPInterface(virtualPort, s.config, s.tunnel, abort, toRealClient, toRealServer, ready)
	go iface.Run(connCtx, cancel)

	select {
	case err := <-ready:
		if err != nil {
			logger.Errorf("[%s] Virtual client failed to become ready: %v", virtualPort, err)
			return
		}
	case <-ctx.Done():
		abort.Store(true)
		return
	}

	err = s.bridge(connCtx, socket, virtualPort, toRealClient, toRealServer)

	abort.Store(true)
	s.tunnel.Release(virtualPort)

	if err != nil {
		logger.Errorf("[%s] Connection dropped un-gracefully: %v", virtualPort, err)
	} else {
		logger.Infof("[%s] Connection closed by client", virtualPort)
	}
}

// bridge shuttles byte chunks between the real socket and the virtual
// interface: a writer goroutine drains toRealClient into the socket while
// this goroutine feeds socket reads into toRealServer. Closing
// toRealServer propagates the real client's FIN to the virtual side.
func (s *TCPProxyServer) bridge(ctx context.Context, socket net.Conn, virtualPort VirtualPort, toRealClient <-chan []byte, toRealServer chan<- []byte) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-toRealClient:
				if !ok {
					// Virtual side finished; unblock the read loop.
					socket.Close()
					return
				}
				if _, err := socket.Write(chunk); err != nil {
					if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
						logger.Errorf("[%s] Failed to write to client TCP socket: %v", virtualPort, err)
					}
					socket.Close()
					return
				}
				logger.Tracef("[%s] Wrote %d bytes of TCP data to real client", virtualPort, len(chunk))
			}
		}
	}()

	var readErr error
	buffer := make([]byte, MaxPacket)
	for {
		n, err := socket.Read(buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			select {
			case toRealServer <- chunk:
				logger.Tracef("[%s] Read %d bytes of TCP data from real client", virtualPort, n)
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				readErr = fmt.Errorf("failed to read from client TCP socket: %w", err)
			}
			break
		}
	}

	close(toRealServer)
	wg.Wait()
	return readErr
}
