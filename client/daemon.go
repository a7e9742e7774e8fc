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
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Daemon discovery. The central daemon listens on a well-known socket
// path; the private daemon is execed from a known binary path. Both are
// vars so tests can point them at fakes.
var (
	heapprofdSocketPath = "/dev/socket/heapprofd"
	heapprofdBinPath    = "/system/bin/heapprofd"
)

// modeProperty is the single system-wide configuration key the client
// reads. "fork" selects private-daemon mode outright; anything else
// tries the central daemon first and falls back to private on failure.
const modeProperty = "heapprofd.userdebug.mode"

// readSystemProperty reads one system property. Swapped in tests and on
// hosts without a property service.
var readSystemProperty = func(key string) string {
	out, err := exec.Command("getprop", key).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func forceForkPrivateDaemon() bool {
	return readSystemProperty(modeProperty) == "fork"
}

// CreateClientForCentralDaemon connects to the system-wide daemon. A
// connect failure is benign: locked-down builds run without the daemon.
func CreateClientForCentralDaemon(alloc UnhookedAllocator) *Client {
	log.Info("constructing client for central daemon")
	conn, err := net.Dial("unix", heapprofdSocketPath)
	if err != nil {
		log.WithError(err).Infof("failed to connect to %s, this is benign on user builds", heapprofdSocketPath)
		return nil
	}
	if err := setSocketTimeouts(conn, recordTimeout); err != nil {
		log.WithError(err).Error("failed to set socket timeouts")
		_ = conn.Close()
		return nil
	}
	return CreateAndHandshake(conn, alloc)
}

// CreateClientAndPrivateDaemon creates a socket pair and spawns a
// private daemon exclusively serving this process. The daemon is started
// detached through the raw fork/exec primitive, bypassing any fork
// handlers the host has registered, and re-spawns once so the immediate
// intermediate child exits and can be reaped here.
func CreateClientAndPrivateDaemon(alloc UnhookedAllocator) *Client {
	log.Info("setting up fork mode profiling")
	// The child end stays exec-inheritable: it is passed to the daemon as
	// fd 3.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		log.WithError(err).Error("failed to create socketpair")
		return nil
	}
	parentFile := os.NewFile(uintptr(fds[0]), "heapprofd-parent-sock")
	childFD := fds[1]

	pid := os.Getpid()
	cmdline, err := readProcessCmdline()
	if err != nil {
		cmdline = "failed-to-read-cmdline"
		log.WithError(err).Error("failed to read own cmdline, proceeding as this might be a by-pid profiling request")
	}

	intermediatePid, err := spawnPrivateDaemon(childFD,
		fmt.Sprintf("--exclusive-for-pid=%d", pid),
		fmt.Sprintf("--exclusive-for-cmdline=%s", cmdline),
		"--inherit-socket-fd=3",
	)
	_ = unix.Close(childFD)
	if err != nil {
		log.WithError(err).Error("failed to spawn private heapprofd")
		_ = parentFile.Close()
		return nil
	}

	conn, err := net.FileConn(parentFile)
	_ = parentFile.Close()
	if err != nil {
		log.WithError(err).Error("failed to wrap parent socket")
		return nil
	}
	if err := setSocketTimeouts(conn, recordTimeout); err != nil {
		log.WithError(err).Error("failed to set socket timeouts")
		_ = conn.Close()
		return nil
	}

	// Reap the immediate intermediate child, tolerating the unlikely case
	// that the host made its children unwaitable.
	if err := reapIntermediate(intermediatePid); err != nil {
		log.WithError(err).Error("failed to reap intermediate child")
		_ = conn.Close()
		return nil
	}

	return CreateAndHandshake(conn, alloc)
}

// spawnPrivateDaemon starts the daemon binary in a fresh session with
// null stdio and the child socket as fd 3. The shell intermediate
// backgrounds the daemon and exits immediately, detaching it from us;
// syscall.ForkExec is the lowest-impact process-creation primitive
// available and runs no Go-side fork handlers.
func spawnPrivateDaemon(childFD int, args ...string) (int, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devNull.Close()

	argv := append([]string{"sh", "-c", `exec "$0" "$@" &`, heapprofdBinPath}, args...)
	return syscall.ForkExec("/bin/sh", argv, &syscall.ProcAttr{
		Files: []uintptr{devNull.Fd(), devNull.Fd(), devNull.Fd(), uintptr(childFD)},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
}

func reapIntermediate(pid int) error {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == nil || errors.Is(err, unix.ECHILD) {
			return nil
		}
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// readProcessCmdline reads our own command line the way the daemon will
// want it back: NUL separators replaced with spaces, trailing padding
// trimmed.
func readProcessCmdline() (string, error) {
	raw, err := os.ReadFile("/proc/self/cmdline")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(strings.ReplaceAll(string(raw), "\x00", " "), " "), nil
}

func setSockoptTimeout(fd uintptr, which string, timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	opt := unix.SO_SNDTIMEO
	if which == "rcv" {
		opt = unix.SO_RCVTIMEO
	}
	return unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, opt, &tv)
}
