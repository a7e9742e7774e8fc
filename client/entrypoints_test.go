// Copyright 2024-2026 The Heapprofd Go Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/AndrewB330/heapprofd/wire"
)

// testAllocator is a stand-in for the host allocator's captured
// dispatch-table entries. It tracks live control allocations so tests
// can assert that teardown did or did not run.
type testAllocator struct {
	mu     sync.Mutex
	live   map[unsafe.Pointer][]byte
	allocs int
	frees  int
}

func newTestAllocator() *testAllocator {
	return &testAllocator{live: make(map[unsafe.Pointer][]byte)}
}

func (a *testAllocator) Malloc(n uintptr) unsafe.Pointer {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, n)
	p := unsafe.Pointer(&buf[0])
	a.live[p] = buf
	a.allocs++
	return p
}

func (a *testAllocator) Free(p unsafe.Pointer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[p]; !ok {
		panic("free of unknown control pointer")
	}
	delete(a.live, p)
	a.frees++
}

func (a *testAllocator) freeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frees
}

// fakeDaemon is a minimal collector: it accepts connections, performs
// the handshake with a fixed ClientConfiguration, and forwards every
// record it receives.
type fakeDaemon struct {
	t       *testing.T
	ln      net.Listener
	path    string
	cfg     wire.ClientConfiguration
	records chan wire.Record

	mu    sync.Mutex
	conns []net.Conn
}

func startFakeDaemon(t *testing.T, cfg wire.ClientConfiguration) *fakeDaemon {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heapprofd.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	d := &fakeDaemon{
		t:       t,
		ln:      ln,
		path:    path,
		cfg:     cfg,
		records: make(chan wire.Record, 128),
	}
	go d.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return d
}

func (d *fakeDaemon) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
		go d.serve(conn)
	}
}

func (d *fakeDaemon) serve(conn net.Conn) {
	rec, err := wire.ReceiveRecord(conn)
	if err != nil {
		return
	}
	if _, ok := rec.(*wire.Handshake); !ok {
		d.t.Errorf("first record was %T, want handshake", rec)
		return
	}
	if err := wire.SendRecord(conn, &d.cfg); err != nil {
		return
	}
	for {
		rec, err := wire.ReceiveRecord(conn)
		if err != nil {
			return
		}
		d.records <- rec
	}
}

// dropConnections severs every established session, simulating a daemon
// crash.
func (d *fakeDaemon) dropConnections() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		_ = c.Close()
	}
	d.conns = nil
}

func (d *fakeDaemon) waitRecord(t *testing.T) wire.Record {
	t.Helper()
	select {
	case rec := <-d.records:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a record")
		return nil
	}
}

// useFakeDaemon points discovery at the fake and disables fork mode.
func useFakeDaemon(t *testing.T, d *fakeDaemon) {
	t.Helper()
	prevSocket, prevBin, prevProp := heapprofdSocketPath, heapprofdBinPath, readSystemProperty
	heapprofdSocketPath = d.path
	heapprofdBinPath = "/bin/false"
	readSystemProperty = func(string) string { return "" }
	t.Cleanup(func() {
		heapprofdSocketPath, heapprofdBinPath, readSystemProperty = prevSocket, prevBin, prevProp
	})
}

func singleHeapConfig(name string, interval uint64) wire.ClientConfiguration {
	return wire.ClientConfiguration{Heaps: []wire.HeapConfig{
		{Name: wire.PutHeapName(name), SamplingIntervalBytes: interval},
	}}
}

func TestInitSessionAndReportAllocation(t *testing.T) {
	resetClientState(t)
	daemon := startFakeDaemon(t, singleHeapConfig("libc.malloc", 4096))
	useFakeDaemon(t, daemon)

	var events []bool
	id := RegisterHeap(heapInfo("libc.malloc", func(enabled bool) {
		events = append(events, enabled)
	}), unsafe.Sizeof(HeapInfo{}))
	require.Equal(t, uint32(1), id)

	ta := newTestAllocator()
	require.True(t, InitSession(ta.Malloc, ta.Free))
	require.Equal(t, []bool{true}, events)
	require.True(t, gHeaps[id].enabled.Load())

	// An allocation at or above the interval is always sampled and
	// reported with its exact size.
	require.True(t, ReportAllocation(id, 0xAA, 100000))
	rec := daemon.waitRecord(t)
	malloc, ok := rec.(*wire.Malloc)
	require.True(t, ok, "got %T", rec)
	require.Equal(t, &wire.Malloc{
		ServiceHeapID: 0,
		AllocID:       0xAA,
		SampledSize:   100000,
		RawSize:       100000,
	}, malloc)

	ReportFree(id, 0xAA)
	rec = daemon.waitRecord(t)
	free, ok := rec.(*wire.Free)
	require.True(t, ok, "got %T", rec)
	require.Equal(t, &wire.Free{ServiceHeapID: 0, AllocID: 0xAA}, free)
}

func TestInitSessionIdempotent(t *testing.T) {
	resetClientState(t)
	daemon := startFakeDaemon(t, singleHeapConfig("libc.malloc", 4096))
	useFakeDaemon(t, daemon)
	RegisterHeap(heapInfo("libc.malloc", nil), unsafe.Sizeof(HeapInfo{}))

	ta := newTestAllocator()
	require.True(t, InitSession(ta.Malloc, ta.Free))
	first := gClient
	require.NotNil(t, first)

	// A second init while the session is connected succeeds without
	// replacing it.
	require.True(t, InitSession(ta.Malloc, ta.Free))
	require.Same(t, first, gClient)
}

func TestInitSessionUnmatchedHeapStaysDisabled(t *testing.T) {
	resetClientState(t)
	daemon := startFakeDaemon(t, singleHeapConfig("something-else", 4096))
	useFakeDaemon(t, daemon)

	var events []bool
	id := RegisterHeap(heapInfo("libc.malloc", func(enabled bool) {
		events = append(events, enabled)
	}), unsafe.Sizeof(HeapInfo{}))

	ta := newTestAllocator()
	require.True(t, InitSession(ta.Malloc, ta.Free))
	require.Empty(t, events, "a never-enabled heap sees no callback")
	require.False(t, gHeaps[id].enabled.Load())
	require.False(t, ReportAllocation(id, 1, 100000))
}

func TestInitSessionConnectFailureIsBenign(t *testing.T) {
	resetClientState(t)
	prevSocket, prevBin, prevProp := heapprofdSocketPath, heapprofdBinPath, readSystemProperty
	heapprofdSocketPath = filepath.Join(t.TempDir(), "nobody-home.sock")
	heapprofdBinPath = "/bin/false"
	readSystemProperty = func(string) string { return "" }
	defer func() {
		heapprofdSocketPath, heapprofdBinPath, readSystemProperty = prevSocket, prevBin, prevProp
	}()

	id := RegisterHeap(heapInfo("libc.malloc", nil), unsafe.Sizeof(HeapInfo{}))
	ta := newTestAllocator()
	require.False(t, InitSession(ta.Malloc, ta.Free))
	require.Nil(t, gClient)
	require.False(t, gHeaps[id].enabled.Load())
	require.False(t, ReportAllocation(id, 1, 100000))
}

func TestDaemonDeathTriggersLazyShutdown(t *testing.T) {
	resetClientState(t)
	daemon := startFakeDaemon(t, singleHeapConfig("libc.malloc", 4096))
	useFakeDaemon(t, daemon)

	var events []bool
	id := RegisterHeap(heapInfo("libc.malloc", func(enabled bool) {
		events = append(events, enabled)
	}), unsafe.Sizeof(HeapInfo{}))

	ta := newTestAllocator()
	require.True(t, InitSession(ta.Malloc, ta.Free))
	daemon.dropConnections()

	// The record that observes the dead socket still returns true to its
	// caller (best-effort), but triggers lazy shutdown; within a few
	// calls the heap reads disabled.
	shutdown := false
	for i := 0; i < 100; i++ {
		if !ReportAllocation(id, uint64(i), 100000) {
			shutdown = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, shutdown, "reports kept succeeding after daemon death")
	require.False(t, gHeaps[id].enabled.Load())
	require.Equal(t, []bool{true, false}, events)
	require.Equal(t, 1, ta.freeCount(), "session teardown must return the control block")

	// After shutdown every hook is a no-op.
	require.False(t, ReportAllocation(id, 1, 100000))
	ReportFree(id, 1)
	require.Empty(t, daemon.records)
}

func TestShutdownLazyIdempotent(t *testing.T) {
	resetClientState(t)
	daemon := startFakeDaemon(t, singleHeapConfig("libc.malloc", 4096))
	useFakeDaemon(t, daemon)
	RegisterHeap(heapInfo("libc.malloc", nil), unsafe.Sizeof(HeapInfo{}))

	ta := newTestAllocator()
	require.True(t, InitSession(ta.Malloc, ta.Free))
	ShutdownLazy()
	require.Nil(t, gClient)
	require.Equal(t, 1, ta.freeCount())
	ShutdownLazy() // second invocation finds the slot empty
	require.Equal(t, 1, ta.freeCount())
}

func TestHandleForkChildLeaksSession(t *testing.T) {
	resetClientState(t)
	daemon := startFakeDaemon(t, singleHeapConfig("libc.malloc", 4096))
	useFakeDaemon(t, daemon)

	var events []bool
	id := RegisterHeap(heapInfo("libc.malloc", func(enabled bool) {
		events = append(events, enabled)
	}), unsafe.Sizeof(HeapInfo{}))

	ta := newTestAllocator()
	require.True(t, InitSession(ta.Malloc, ta.Free))

	// Simulate a thread dying mid-hook while holding the lock.
	require.True(t, gClientLock.TryLock(DefaultSpinTimeout))

	HandleForkChild()

	require.True(t, gClientLock.TryLock(DefaultSpinTimeout), "child must find the lock free")
	gClientLock.Unlock()
	require.Nil(t, gClient, "session slot must read empty")
	require.False(t, gHeaps[id].enabled.Load())
	require.Zero(t, ta.freeCount(), "the prior session is leaked, not destructed")
}

func TestReportAllocationNotSampledReturnsFalse(t *testing.T) {
	resetClientState(t)
	// An absurdly large interval makes sampling a tiny allocation
	// vanishingly unlikely; one call cannot cross a sample point more
	// often than not.
	daemon := startFakeDaemon(t, singleHeapConfig("libc.malloc", 1<<40))
	useFakeDaemon(t, daemon)
	id := RegisterHeap(heapInfo("libc.malloc", nil), unsafe.Sizeof(HeapInfo{}))

	ta := newTestAllocator()
	require.True(t, InitSession(ta.Malloc, ta.Free))

	sampled := 0
	for i := 0; i < 100; i++ {
		if ReportAllocation(id, uint64(i), 1) {
			sampled++
		}
	}
	require.Zero(t, sampled, "1-byte allocations against a 1TiB interval")
}
