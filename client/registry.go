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
	"sync/atomic"
	"unsafe"

	"github.com/AndrewB330/heapprofd/wire"
)

// HeapNameSize is the fixed width of HeapInfo.HeapName, NUL-padded.
const HeapNameSize = wire.HeapNameSize

// HeapInfo is the ABI struct callers hand to RegisterHeap. New fields may
// only be appended; callers pass their compiled-in sizeof as n and the
// library treats missing tail fields as zero.
type HeapInfo struct {
	HeapName [HeapNameSize]byte
	Callback func(enabled bool)
}

const (
	minHeapID = 1
	maxHeaps  = 256
)

// heapEntry is a published registry slot. Once ready, name and callback
// never change; enabled and serviceHeapID are owned by InitSession and
// the shutdown paths.
//
// The enabled fast path in the report hooks reads the flag with no
// ordering beyond the atomic load itself. Flips are rare and a stale read
// is recovered on the next hook invocation.
type heapEntry struct {
	info          HeapInfo
	ready         atomic.Bool
	enabled       atomic.Bool
	serviceHeapID uint32
}

var (
	// Slot 0 is reserved; ids are never reused. Process-wide,
	// leak-on-exit: teardown at process exit could re-enter the hooks.
	gHeaps      [maxHeaps]heapEntry
	gNextHeapID atomic.Uint32
)

func init() {
	gNextHeapID.Store(minHeapID)
}

// RegisterHeap copies the first n bytes' worth of fields of info into a
// fresh slot and returns its id. Returns 0 if the table is full, or if n
// exceeds the library's compiled-in struct size (the caller is newer than
// the library and we cannot interpret its tail fields).
//
// Registration is the only registry operation that can race with itself.
// The id counter is an atomic fetch-add and slots are never rewritten, so
// a reader observing ready sees a fully initialized entry.
func RegisterHeap(info *HeapInfo, n uintptr) uint32 {
	if info == nil || n > unsafe.Sizeof(HeapInfo{}) {
		return 0
	}
	id := gNextHeapID.Add(1) - 1
	if id >= maxHeaps {
		return 0
	}
	heap := &gHeaps[id]
	nameLen := n
	if nameLen > HeapNameSize {
		nameLen = HeapNameSize
	}
	copy(heap.info.HeapName[:], info.HeapName[:nameLen])
	if n >= unsafe.Offsetof(HeapInfo{}.Callback)+unsafe.Sizeof(HeapInfo{}.Callback) {
		heap.info.Callback = info.Callback
	}
	heap.ready.Store(true)
	return id
}

// disableAllHeaps flips every enabled heap off, firing its callback.
// Runs under the spinlock (shutdown) or as the only thread (post-fork).
func disableAllHeaps() {
	for id := uint32(minHeapID); id < gNextHeapID.Load() && id < maxHeaps; id++ {
		heap := &gHeaps[id]
		if !heap.ready.Load() {
			continue
		}
		if heap.enabled.Load() {
			heap.enabled.Store(false)
			if heap.info.Callback != nil {
				heap.info.Callback(false)
			}
		}
	}
}

// applyClientConfig walks every ready heap and matches its name against
// the handshake's heap list. Matches learn their service heap id and flip
// enabled on; previously enabled heaps that no longer match are disabled.
// Callbacks fire only on edges.
func applyClientConfig(cfg *wire.ClientConfiguration) {
	for id := uint32(minHeapID); id < gNextHeapID.Load() && id < maxHeaps; id++ {
		heap := &gHeaps[id]
		if !heap.ready.Load() {
			continue
		}
		matched := false
		for i := range cfg.Heaps {
			if cfg.Heaps[i].Name == heap.info.HeapName {
				heap.serviceHeapID = uint32(i)
				if !heap.enabled.Load() && heap.info.Callback != nil {
					heap.info.Callback(true)
				}
				heap.enabled.Store(true)
				matched = true
				break
			}
		}
		if !matched && heap.enabled.Load() {
			heap.enabled.Store(false)
			if heap.info.Callback != nil {
				heap.info.Callback(false)
			}
		}
	}
}
