// Copyright The Windlass Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License"). You may
// not use this file except in compliance with the License. A copy of the
// License is located at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// or in the "license" file accompanying this file. This file is distributed
// on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
// express or implied. See the License for the specific language governing
// permissions and limitations under the License.

package cgroups

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/windlass-sched/windlass/pkg/utils/logger"
)

// ErrListenerCancelled is returned from Wait when the listener was cancelled
// before the kernel posted an event.
var ErrListenerCancelled = errors.New("cgroups: listener cancelled")

// Listener is a one-shot completion for a kernel cgroup event. It is armed by
// Listen and terminates exactly once: delivered, failed, or cancelled. The
// eventfd is closed on whichever terminal transition happens first.
type Listener struct {
	efd *os.File
	log logger.Logger

	mu   sync.Mutex
	done bool
}

// Listen registers an eventfd notification for the control file and returns
// an armed Listener. The registration line "<eventfd> <control_fd> [args]" is
// written to cgroup.event_control; the control fd is closed right after, the
// eventfd stays open until the listener terminates.
func (c *Cgroups) Listen(hierarchy string, cgroup string, control string, args string) (*Listener, error) {
	if err := c.verify(hierarchy, cgroup, control); err != nil {
		return nil, err
	}
	if err := c.verify(hierarchy, cgroup, eventControl); err != nil {
		return nil, err
	}

	fd, err := c.unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "cgroups: failed to create eventfd")
	}
	efd := os.NewFile(uintptr(fd), "eventfd")

	cf, err := os.OpenFile(filepath.Join(hierarchy, cgroup, control), os.O_RDWR, 0)
	if err != nil {
		efd.Close()
		return nil, errors.Wrapf(err, "cgroups: failed to open control %q in %s/%s", control, hierarchy, cgroup)
	}

	line := fmt.Sprintf("%d %d", fd, cf.Fd())
	if args != "" {
		line += " " + args
	}
	err = c.io.write(filepath.Join(hierarchy, cgroup, eventControl), line)
	cf.Close()
	if err != nil {
		efd.Close()
		return nil, err
	}

	return &Listener{efd: efd, log: c.log}, nil
}

// Wait blocks until the kernel posts an event, the context is done, or the
// listener is cancelled. On delivery it returns the 64-bit counter read from
// the eventfd. A cancelled listener returns ErrListenerCancelled; no event is
// ever delivered after cancellation.
func (l *Listener) Wait(ctx context.Context) (uint64, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Cancel()
		case <-stop:
		}
	}()

	buf := make([]byte, 8)
	_, err := io.ReadFull(l.efd, buf)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if l.cancelled() {
			return 0, ErrListenerCancelled
		}
		l.terminate()
		return 0, errors.Wrap(err, "cgroups: failed to read eventfd")
	}

	l.terminate()
	return binary.LittleEndian.Uint64(buf), nil
}

// Cancel aborts a pending Wait and releases the eventfd. Safe to call more
// than once and after delivery.
func (l *Listener) Cancel() {
	l.terminate()
}

func (l *Listener) cancelled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// terminate closes the eventfd exactly once.
func (l *Listener) terminate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	l.efd.Close()
}
