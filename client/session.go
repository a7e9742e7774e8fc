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
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/AndrewB330/heapprofd/wire"
)

// controlBlockSize is the size of the session's control block, the stand-in
// for the shared-ownership cell. It comes from the unhooked allocator so
// that the last reference drop never calls the hooked free.
const controlBlockSize = 64

// recordTimeout mirrors the SO_SNDTIMEO/SO_RCVTIMEO the session sets at
// creation; the deadline is re-armed per record because Go's runtime
// drives the socket in non-blocking mode.
const recordTimeout = 1 * time.Second

var errPostFork = errors.New("client: session pid does not match current pid")

// Client is one profiling session: the socket to the daemon, the
// handshake result, and the per-heap sampler state. A Client is either
// connected or torn down; there is no reconnect. Once installed behind
// the session pointer it is never mutated in place, except for the
// sampler state, which is serialized by the spinlock.
type Client struct {
	conn      net.Conn
	config    wire.ClientConfiguration
	samplers  []*Sampler
	pid       int
	connected atomic.Bool

	alloc   UnhookedAllocator
	control unsafe.Pointer

	// refs counts owners of this Client: the session pointer plus any
	// hook that copied the reference out under the spinlock. The final
	// drop tears the session down.
	refs atomic.Int64
}

// CreateAndHandshake sends our identity on conn and receives the
// ClientConfiguration that drives this session. Any failure yields nil;
// partial failures are not retried.
func CreateAndHandshake(conn net.Conn, alloc UnhookedAllocator) *Client {
	pid := os.Getpid()
	cmdline, err := readProcessCmdline()
	if err != nil {
		// Benign for by-pid profiling requests, which still work.
		log.WithError(err).Error("failed to read own cmdline")
		cmdline = "failed-to-read-cmdline"
	}

	_ = conn.SetDeadline(time.Now().Add(recordTimeout))
	if err := wire.SendRecord(conn, &wire.Handshake{PID: uint64(pid), Cmdline: cmdline}); err != nil {
		log.WithError(err).Error("handshake send failed")
		_ = conn.Close()
		return nil
	}
	rec, err := wire.ReceiveRecord(conn)
	if err != nil {
		log.WithError(err).Error("handshake receive failed")
		_ = conn.Close()
		return nil
	}
	_ = conn.SetDeadline(time.Time{})
	cfg, ok := rec.(*wire.ClientConfiguration)
	if !ok {
		log.Errorf("handshake reply was %T, not a client configuration", rec)
		_ = conn.Close()
		return nil
	}

	samplers := make([]*Sampler, len(cfg.Heaps))
	for i := range cfg.Heaps {
		rng := rand.New(rand.NewPCG(uint64(pid), uint64(i)))
		samplers[i] = NewSampler(cfg.Heaps[i].SamplingIntervalBytes, rng)
	}

	c := &Client{
		conn:     conn,
		config:   *cfg,
		samplers: samplers,
		pid:      pid,
		alloc:    alloc,
		control:  alloc.Alloc(controlBlockSize),
	}
	c.connected.Store(true)
	c.refs.Store(1)
	return c
}

// ClientConfig returns the handshake result.
func (c *Client) ClientConfig() *wire.ClientConfiguration {
	return &c.config
}

// IsConnected reports whether the session has not been torn down.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// GetSampleSizeLocked runs the per-heap sampling decision for an
// allocation of size bytes. Caller must hold the client spinlock.
func (c *Client) GetSampleSizeLocked(serviceHeapID uint32, size uint64) uint64 {
	if int(serviceHeapID) >= len(c.samplers) {
		return 0
	}
	return c.samplers[serviceHeapID].SampleSize(size)
}

// RecordMalloc emits one Malloc record. An error means the socket is
// dead and the caller should initiate lazy shutdown.
func (c *Client) RecordMalloc(serviceHeapID uint32, sampledSize, allocSize, allocID uint64) error {
	if err := c.checkPid(); err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(recordTimeout))
	return wire.SendRecord(c.conn, &wire.Malloc{
		ServiceHeapID: serviceHeapID,
		AllocID:       allocID,
		SampledSize:   sampledSize,
		RawSize:       allocSize,
	})
}

// RecordFree emits one Free record.
func (c *Client) RecordFree(serviceHeapID uint32, allocID uint64) error {
	if err := c.checkPid(); err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(recordTimeout))
	return wire.SendRecord(c.conn, &wire.Free{
		ServiceHeapID: serviceHeapID,
		AllocID:       allocID,
	})
}

// checkPid detects clone/vfork children best-effort: the atfork handler
// only fires for the classical fork entry point, so a pid mismatch here
// is treated as an implicit shutdown signal.
func (c *Client) checkPid() error {
	if os.Getpid() != c.pid {
		return errPostFork
	}
	return nil
}

// acquire takes an additional owning reference. Caller must hold the
// spinlock (references are only handed out from the session pointer).
func (c *Client) acquire() *Client {
	c.refs.Add(1)
	return c
}

// release drops one owning reference, tearing the session down on the
// last one. Safe to call with nil.
func (c *Client) release() {
	if c == nil {
		return
	}
	if c.refs.Add(-1) == 0 {
		c.teardown()
	}
}

// teardown closes the socket and returns the control block to the
// unhooked allocator. It must not call the hooked allocator.
func (c *Client) teardown() {
	c.connected.Store(false)
	err := c.conn.Close()
	c.alloc.Free(c.control)
	c.control = nil
	if err != nil {
		log.WithError(err).Debug("session teardown")
	}
}

// setSocketTimeouts applies SO_SNDTIMEO and SO_RCVTIMEO to the raw fd
// backing conn. Go performs socket IO in non-blocking mode, so deadlines
// still govern the runtime's own waits; the sockopts cover any blocking
// use of an inherited duplicate of the fd.
func setSocketTimeouts(conn net.Conn, timeout time.Duration) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("client: %T does not expose its fd", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctlErr := raw.Control(func(fd uintptr) {
		sockErr = multierr.Append(
			setSockoptTimeout(fd, "snd", timeout),
			setSockoptTimeout(fd, "rcv", timeout),
		)
	})
	return multierr.Append(ctlErr, sockErr)
}
