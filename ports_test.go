package main

import (
	"errors"
	"sync"
	"testing"
)

func TestPortPoolNextRelease(t *testing.T) {
	pool := newPortPoolRange(1000, 1100)

	port, err := pool.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if port.Proto != ProtoTCP {
		t.Errorf("port proto = %s, want tcp", port.Proto)
	}
	if port.Port < 1000 || port.Port >= 1100 {
		t.Errorf("port %d out of range [1000, 1100)", port.Port)
	}
	if pool.InUse() != 1 {
		t.Errorf("InUse = %d, want 1", pool.InUse())
	}

	pool.Release(port)
	if pool.InUse() != 0 {
		t.Errorf("InUse after release = %d, want 0", pool.InUse())
	}
	if len(pool.queue) != 100 {
		t.Errorf("queue length = %d, want 100", len(pool.queue))
	}
}

func TestPortPoolRestoresInitialSet(t *testing.T) {
	pool := newPortPoolRange(1000, 1050)

	initial := make(map[uint16]struct{})
	for _, p := range pool.queue {
		initial[p] = struct{}{}
	}

	var taken []VirtualPort
	for i := 0; i < 30; i++ {
		port, err := pool.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		taken = append(taken, port)
	}
	// Release in a different order than taken.
	for i := len(taken) - 1; i >= 0; i-- {
		pool.Release(taken[i])
	}

	if pool.InUse() != 0 {
		t.Fatalf("InUse = %d, want 0", pool.InUse())
	}
	final := make(map[uint16]struct{})
	for _, p := range pool.queue {
		final[p] = struct{}{}
	}
	if len(final) != len(initial) {
		t.Fatalf("final set size = %d, want %d", len(final), len(initial))
	}
	for p := range initial {
		if _, ok := final[p]; !ok {
			t.Errorf("port %d missing from restored pool", p)
		}
	}
}

func TestPortPoolExhaustion(t *testing.T) {
	pool := newPortPoolRange(1000, 1002)

	first, err := pool.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	second, err := pool.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if first.Port == second.Port {
		t.Fatalf("pool handed out duplicate port %d", first.Port)
	}

	if _, err := pool.Next(); !errors.Is(err, ErrPortPoolExhausted) {
		t.Fatalf("Next on empty pool error = %v, want ErrPortPoolExhausted", err)
	}

	pool.Release(first)
	reused, err := pool.Next()
	if err != nil {
		t.Fatalf("Next after release failed: %v", err)
	}
	if reused.Port != first.Port {
		t.Errorf("reused port = %d, want %d", reused.Port, first.Port)
	}
}

func TestPortPoolReleaseUntakenIsNoop(t *testing.T) {
	pool := newPortPoolRange(1000, 1010)

	pool.Release(TCPVirtualPort(1005))
	if len(pool.queue) != 10 {
		t.Errorf("queue length = %d, want 10", len(pool.queue))
	}
	pool.Release(TCPVirtualPort(40000))
	if len(pool.queue) != 10 {
		t.Errorf("queue length = %d, want 10", len(pool.queue))
	}
}

func TestPortPoolAllUniqueWithinRange(t *testing.T) {
	pool := NewPortPool()
	seen := make(map[uint16]struct{})

	for {
		port, err := pool.Next()
		if err != nil {
			break
		}
		if port.Port < MinPort || port.Port >= MaxPort {
			t.Fatalf("port %d out of range [%d, %d)", port.Port, MinPort, MaxPort)
		}
		if _, dup := seen[port.Port]; dup {
			t.Fatalf("port %d handed out twice", port.Port)
		}
		seen[port.Port] = struct{}{}
	}

	if len(seen) != int(MaxPort-MinPort) {
		t.Errorf("allocated %d ports, want %d", len(seen), MaxPort-MinPort)
	}
}

func TestPortPoolConcurrent(t *testing.T) {
	pool := newPortPoolRange(1000, 1200)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				port, err := pool.Next()
				if err != nil {
					continue
				}
				pool.Release(port)
			}
		}()
	}
	wg.Wait()

	if pool.InUse() != 0 {
		t.Errorf("InUse = %d, want 0", pool.InUse())
	}
	if len(pool.queue) != 200 {
		t.Errorf("queue length = %d, want 200", len(pool.queue))
	}
}
