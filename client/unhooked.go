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

import "unsafe"

// MallocFn and FreeFn are the two entries of the host allocator's
// dispatch table, captured before the hooks were installed. Control
// allocations routed through them never re-enter the hooks.
type (
	MallocFn func(size uintptr) unsafe.Pointer
	FreeFn   func(ptr unsafe.Pointer)
)

// UnhookedAllocator owns the captured dispatch-table entries. The session
// control block is allocated and released through it so that tearing a
// session down from a hooked thread cannot recurse into the hooks.
type UnhookedAllocator struct {
	malloc MallocFn
	free   FreeFn
}

func NewUnhookedAllocator(malloc MallocFn, free FreeFn) UnhookedAllocator {
	return UnhookedAllocator{malloc: malloc, free: free}
}

// Alloc returns size bytes of unhooked storage, or nil if no malloc was
// captured or the host allocator failed.
func (a UnhookedAllocator) Alloc(size uintptr) unsafe.Pointer {
	if a.malloc == nil {
		return nil
	}
	return a.malloc(size)
}

// Free releases storage previously obtained from Alloc. nil is a no-op.
func (a UnhookedAllocator) Free(ptr unsafe.Pointer) {
	if ptr == nil || a.free == nil {
		return
	}
	a.free(ptr)
}
