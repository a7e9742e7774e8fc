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

// Package client is the in-process side of the heap profiler: it is
// loaded into an arbitrary target process by its allocator runtime,
// intercepts malloc/free reports from registered heaps, applies Poisson
// sampling, and forwards sampled events over a local stream socket to
// the collector daemon.
//
// The profiler is an observer and must not destabilize its host: every
// failure short of a violated locking invariant degrades to "process
// continues unprofiled".
package client

import (
	log "github.com/sirupsen/logrus"
)

// Holds the active profiling session. Empty at the start, and again
// after shutdown begins. Hook invocations copy an owning reference out
// under gClientLock and do nothing if the slot is empty. The slot and
// the heap array are process-wide leak-on-exit state.
//
// gClientLock also serves as the external serialization point for
// sampler decisions.
var (
	gClientLock Spinlock
	gClient     *Client // guarded by gClientLock
)

// gFirstInit tracks the one-time fork-handler installation. Reads and
// writes are unsynchronized: the host runtime serializes InitSession
// calls.
var gFirstInit = true

// installForkHandler hands HandleForkChild to the host runtime. The
// registration mechanism is the host's; by default there is nothing to
// do beyond noting the obligation.
var installForkHandler = func() {
	log.Debug("fork handler available; host runtime must invoke HandleForkChild post-fork")
}

// resetHooks asks the host allocator to detach the report hooks after
// shutdown. Swapped in by the host runtime at load time.
var resetHooks = func() {
	log.Debug("no hook-reset handler installed")
}

// InitSession starts a profiling session, connecting to the collector
// daemon and enabling every registered heap the daemon asked for.
// Returns true if a session is active when it returns. Concurrent init
// requests are idempotent; the host runtime guarantees two InitSession
// calls never actually race.
func InitSession(malloc MallocFn, free FreeFn) bool {
	if gFirstInit {
		installForkHandler()
		gFirstInit = false
	}

	var oldClient *Client
	{
		if !gClientLock.TryLock(DefaultSpinTimeout) {
			abortOnSpinlockTimeout()
			return false
		}
		if gClient != nil && gClient.IsConnected() {
			gClientLock.Unlock()
			log.Info("rejecting concurrent profiling initialization")
			return true // success, we are in a valid state
		}
		oldClient = gClient
		gClient = nil
		gClientLock.Unlock()
	}
	oldClient.release()

	// The dispatch table never changes, so the allocator retains the
	// function pointers directly.
	alloc := NewUnhookedAllocator(malloc, free)

	// The factories allocate, so they run without the spinlock held.
	var client *Client
	if !forceForkPrivateDaemon() {
		client = CreateClientForCentralDaemon(alloc)
	}
	if client == nil {
		client = CreateClientAndPrivateDaemon(alloc)
	}
	if client == nil {
		log.Info("heapprofd client not initialized, not installing hooks")
		return false
	}

	applyClientConfig(client.ClientConfig())

	{
		if !gClientLock.TryLock(DefaultSpinTimeout) {
			abortOnSpinlockTimeout()
			return false
		}
		// The slot cannot have been filled in the meantime: there are
		// never two concurrent calls to this function.
		if gClient != nil {
			log.Error("session slot unexpectedly occupied during init")
		}
		gClient = client
		gClientLock.Unlock()
	}
	log.Info("heapprofd client initialized")
	return true
}

// ReportAllocation reports one allocation on a registered heap. Returns
// true iff a Malloc record was (best-effort) emitted for it.
func ReportAllocation(heapID uint32, allocID, size uint64) bool {
	if heapID >= maxHeaps {
		return false
	}
	heap := &gHeaps[heapID]
	if !heap.enabled.Load() {
		return false
	}

	var sampledSize uint64
	var client *Client
	{
		if !gClientLock.TryLock(DefaultSpinTimeout) {
			abortOnSpinlockTimeout()
			return false
		}
		if gClient == nil { // no active session, most likely shutting down
			gClientLock.Unlock()
			return false
		}
		sampledSize = gClient.GetSampleSizeLocked(heap.serviceHeapID, size)
		if sampledSize == 0 { // not sampled
			gClientLock.Unlock()
			return false
		}
		client = gClient.acquire() // owning copy
		gClientLock.Unlock()
	}

	err := client.RecordMalloc(heap.serviceHeapID, sampledSize, size, allocID)
	client.release()
	if err != nil {
		log.WithError(err).Debug("malloc record failed")
		ShutdownLazy()
	}
	return true
}

// ReportFree reports one deallocation on a registered heap.
func ReportFree(heapID uint32, allocID uint64) {
	if heapID >= maxHeaps {
		return
	}
	heap := &gHeaps[heapID]
	if !heap.enabled.Load() {
		return
	}

	var client *Client
	{
		if !gClientLock.TryLock(DefaultSpinTimeout) {
			abortOnSpinlockTimeout()
			return
		}
		if gClient != nil {
			client = gClient.acquire() // owning copy
		}
		gClientLock.Unlock()
	}
	if client == nil {
		return
	}

	err := client.RecordFree(heap.serviceHeapID, allocID)
	client.release()
	if err != nil {
		log.WithError(err).Debug("free record failed")
		ShutdownLazy()
	}
}

// ShutdownLazy tears the session down after a hook observed a dead
// socket. After it returns, subsequent hook invocations are no-ops: the
// session slot is empty and every heap's enabled flag is down.
func ShutdownLazy() {
	if !gClientLock.TryLock(DefaultSpinTimeout) {
		abortOnSpinlockTimeout()
		return
	}
	if gClient == nil { // another invocation already initiated shutdown
		gClientLock.Unlock()
		return
	}

	disableAllHeaps()
	// Drop the primary reference; straggler hooks holding copies keep the
	// session alive until they finish.
	old := gClient
	gClient = nil
	old.release()
	gClientLock.Unlock()

	resetHooks()
}

// HandleForkChild must be invoked by the host runtime in the child after
// a classical fork. A thread that vanished across the fork could have
// been holding the spinlock or a session reference; we are now the only
// thread, so the lock is force-reset and the session deliberately leaked
// (replacing the slot with an empty one allocates nothing). The
// alternative of taking locks pre-fork poses its own class of edge
// cases and is not better as a result. Clone and vfork paths do not fire
// this handler; the session detects those by pid comparison instead.
func HandleForkChild() {
	log.Info("heapprofd client: handling atfork")
	gClientLock.ForceReset()
	disableAllHeaps()
	gClient = nil // leak the prior session reference, corruption is worse
}
