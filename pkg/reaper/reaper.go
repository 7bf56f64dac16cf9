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

// Package reaper collects exit statuses of child processes and notifies
// subscribers about the PIDs they registered interest in.
package reaper

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/windlass-sched/windlass/pkg/utils/logger"
	"github.com/windlass-sched/windlass/pkg/utils/ttime"
)

// SIGCHLD can coalesce, so the reaper also sweeps on a timer.
const pollInterval = time.Second

// ExitSink receives the exit status of a watched PID.
type ExitSink interface {
	ProcessExited(pid int, status int)
}

// Reaper sweeps terminated children with non blocking wait4 calls, driven
// by SIGCHLD and a periodic timer. Exits of unwatched PIDs are still
// collected so no zombie outlives the agent, but only watched PIDs fan out
// to the subscribed sinks.
type Reaper struct {
	log  logger.Logger
	time ttime.Time
	wait func() (int, int, error)

	mu      sync.Mutex
	sinks   []ExitSink
	watched sets.Set[int]
}

// New builds a Reaper. Run must be started before children terminate, or
// their SIGCHLDs are only picked up by the periodic sweep.
func New() *Reaper {
	return &Reaper{
		log:     logger.Get(),
		time:    &ttime.DefaultTime{},
		wait:    waitAny,
		watched: sets.New[int](),
	}
}

// Subscribe registers a sink for exit notifications of watched PIDs.
func (r *Reaper) Subscribe(sink ExitSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Watch registers interest in the exit of pid.
func (r *Reaper) Watch(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watched.Insert(pid)
}

// Run sweeps until the context is done.
func (r *Reaper) Run(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGCHLD)
	defer signal.Stop(sigs)

	for {
		r.sweep()
		select {
		case <-ctx.Done():
			return
		case <-sigs:
		case <-r.time.After(pollInterval):
		}
	}
}

// sweep drains every terminated child without blocking.
func (r *Reaper) sweep() {
	for {
		pid, status, err := r.wait()
		if err != nil || pid <= 0 {
			return
		}
		r.notify(pid, status)
	}
}

func (r *Reaper) notify(pid int, status int) {
	r.mu.Lock()
	if !r.watched.Has(pid) {
		r.mu.Unlock()
		return
	}
	r.watched.Delete(pid)
	sinks := append([]ExitSink(nil), r.sinks...)
	r.mu.Unlock()

	r.log.Infof("Reaped pid %d with status %d", pid, status)
	for _, sink := range sinks {
		sink.ProcessExited(pid, status)
	}
}

func waitAny() (int, int, error) {
	var status unix.WaitStatus
	pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
	if err == unix.EINTR {
		return 0, 0, nil
	}
	return pid, int(status), err
}
