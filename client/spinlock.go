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
	"os"
	"runtime"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultSpinTimeout bounds how long a hook busy-waits on the client
// spinlock before declaring the process state unrecoverable. Critical
// sections are tens of instructions; anything near this bound means a
// lock holder died or the lock was corrupted.
const DefaultSpinTimeout = 100 * time.Millisecond

// Spinlock is a single-flag spin lock. It guards the session pointer and
// serves as the external serialization point for sampler decisions.
//
// There is deliberately no blocking Lock: hooks either acquire within the
// deadline or the process aborts.
type Spinlock struct {
	locked atomic.Bool
}

// TryLock attempts to acquire the lock, spinning until timeout. It
// returns false only after the deadline expires.
func (l *Spinlock) TryLock(timeout time.Duration) bool {
	if l.locked.CompareAndSwap(false, true) {
		return true
	}
	deadline := time.Now().Add(timeout)
	for spins := 0; ; spins++ {
		if l.locked.CompareAndSwap(false, true) {
			return true
		}
		if spins%64 == 63 {
			if time.Now().After(deadline) {
				return false
			}
			runtime.Gosched()
		}
	}
}

// Unlock releases the lock. Callers must pair every successful TryLock
// with exactly one Unlock on every exit path.
func (l *Spinlock) Unlock() {
	l.locked.Store(false)
}

// ForceReset unconditionally clears the lock. Only valid in the post-fork
// child, where the sole possible holder is a thread that did not survive
// the fork.
func (l *Spinlock) ForceReset() {
	l.locked.Store(false)
}

// abortProcess raises SIGABRT against our own process. Swapped out in
// tests. The library never calls exit; a violated locking invariant is
// the one condition it refuses to continue past.
var abortProcess = func() {
	_ = unix.Kill(os.Getpid(), unix.SIGABRT)
}

// Called only if spinlock acquisition fails, which shouldn't happen
// unless we're in a completely unexpected state that we won't know how to
// recover from. Tears the whole process down to serve as an explicit
// indication of a bug.
func abortOnSpinlockTimeout() {
	log.Error("timed out on the client spinlock - something is horribly wrong, aborting whole process")
	abortProcess()
}
