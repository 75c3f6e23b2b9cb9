package main

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard/tun"
)

// MemoryTUN is the in-memory tun.Device handed to wireguard-go. No kernel
// interface exists: IP frames injected with Inject are read by the device,
// encrypted and sent on its UDP socket; decrypted frames arriving from the
// peer are written by the device and surface through Recv.
type MemoryTUN struct {
	name string
	mtu  int

	closed    chan struct{}
	events    chan tun.Event
	toPeer    chan []byte // frames awaiting encryption (drained by device Read)
	fromPeer  chan []byte // decrypted frames from the peer (filled by device Write)
	drops     atomic.Uint64
	closeOnce sync.Once
}

const tunQueueSize = 1000

func NewMemoryTUN(name string, mtu int) *MemoryTUN {
	return &MemoryTUN{
		name:     name,
		mtu:      mtu,
		closed:   make(chan struct{}),
		events:   make(chan tun.Event, 10),
		toPeer:   make(chan []byte, tunQueueSize),
		fromPeer: make(chan []byte, tunQueueSize),
	}
}

func (t *MemoryTUN) Name() (string, error) {
	return t.name, nil
}

// File returns a nil file descriptor as there is no real device.
func (t *MemoryTUN) File() *os.File {
	return nil
}

func (t *MemoryTUN) Events() <-chan tun.Event {
	return t.events
}

// Read hands queued outbound IP frames to the device for encryption. It
// blocks for the first frame, then drains whatever else is immediately
// available up to len(bufs).
func (t *MemoryTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	if len(bufs) == 0 || len(sizes) < len(bufs) {
		return 0, errors.New("invalid buffer or sizes slice")
	}

	var first []byte
	select {
	case <-t.closed:
		return 0, io.EOF
	case first = <-t.toPeer:
	}
	if len(first) > len(bufs[0])-offset {
		return 0, errors.New("packet too large for buffer")
	}
	copy(bufs[0][offset:], first)
	sizes[0] = len(first)
	n := 1

	for n < len(bufs) {
		select {
		case packet := <-t.toPeer:
			if len(packet) > len(bufs[n])-offset {
				return n, errors.New("packet too large for buffer")
			}
			copy(bufs[n][offset:], packet)
			sizes[n] = len(packet)
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

// Write queues decrypted frames from the device. A full queue drops the
// frame, as a congested NIC would; TCP retransmission recovers the loss.
func (t *MemoryTUN) Write(bufs [][]byte, offset int) (int, error) {
	written := 0
	for _, buf := range bufs {
		if offset >= len(buf) {
			continue
		}

		packet := make([]byte, len(buf)-offset)
		copy(packet, buf[offset:])

		select {
		case <-t.closed:
			if written == 0 {
				return 0, io.EOF
			}
			return written, nil
		case t.fromPeer <- packet:
			written++
		default:
			t.drops.Add(1)
			written++
		}
	}
	return written, nil
}

func (t *MemoryTUN) MTU() (int, error) {
	return t.mtu, nil
}

func (t *MemoryTUN) BatchSize() int {
	return 128
}

func (t *MemoryTUN) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		close(t.events)
	})
	return nil
}

// Inject queues an IP frame for encryption and transmission to the peer.
// A stalled device makes this time out rather than block the sender.
func (t *MemoryTUN) Inject(packet []byte) error {
	select {
	case <-t.closed:
		return io.EOF
	case t.toPeer <- packet:
		return nil
	case <-time.After(100 * time.Millisecond):
		return errors.New("timeout injecting packet")
	}
}

// Recv blocks until the device delivers a decrypted IP frame from the peer.
func (t *MemoryTUN) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	case packet := <-t.fromPeer:
		return packet, nil
	}
}

// Drops reports how many inbound frames were discarded on queue overflow.
func (t *MemoryTUN) Drops() uint64 {
	return t.drops.Load()
}

// SendUp signals the device that the interface is up.
func (t *MemoryTUN) SendUp() {
	select {
	case t.events <- tun.EventUp:
	default:
	}
}
