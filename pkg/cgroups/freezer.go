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
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/windlass-sched/windlass/utils/prometheusmetrics"
)

const (
	stateFrozen   = "FROZEN"
	stateFreezing = "FREEZING"
	stateThawed   = "THAWED"
)

// Freeze drives freezer.state to FROZEN, polling every interval. Tasks stuck
// in the stopped/traced state block the kernel freezer indefinitely, so each
// FREEZING observation sends SIGCONT to any 'T'-state task and re-writes the
// target state. Returns false without error when retries are exhausted while
// still FREEZING; retries < 0 polls forever. Any freezer.state value other
// than the three kernel states is fatal.
func (c *Cgroups) Freeze(ctx context.Context, hierarchy string, cgroup string, interval time.Duration, retries int) (bool, error) {
	if interval < 0 {
		return false, errors.New("cgroups: freeze interval must not be negative")
	}

	state, err := c.Read(hierarchy, cgroup, freezerStateControl)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(state) == stateFrozen {
		return true, nil
	}
	if err := c.Write(hierarchy, cgroup, freezerStateControl, stateFrozen); err != nil {
		return false, err
	}

	for attempt := 1; ; attempt++ {
		if err := c.delay(ctx, interval); err != nil {
			return false, err
		}

		state, err := c.Read(hierarchy, cgroup, freezerStateControl)
		if err != nil {
			return false, err
		}
		switch strings.TrimSpace(state) {
		case stateFrozen:
			c.log.Infof("Froze cgroup %s/%s after %d attempts", hierarchy, cgroup, attempt)
			return true, nil
		case stateFreezing:
			prometheusmetrics.FreezeRetries.Inc()
			if err := c.resumeStopped(hierarchy, cgroup); err != nil {
				return false, err
			}
			if err := c.Write(hierarchy, cgroup, freezerStateControl, stateFrozen); err != nil {
				return false, err
			}
		default:
			c.log.Fatalf("Unexpected freezer state %q in cgroup %s/%s", strings.TrimSpace(state), hierarchy, cgroup)
		}

		if retries >= 0 && attempt >= retries {
			c.log.Warnf("Unable to freeze cgroup %s/%s within %d attempts", hierarchy, cgroup, attempt)
			return false, nil
		}
	}
}

// Thaw drives freezer.state to THAWED, polling every interval. A FROZEN
// observation keeps polling; the kernel thaws without getting stuck, so there
// is no retry ceiling.
func (c *Cgroups) Thaw(ctx context.Context, hierarchy string, cgroup string, interval time.Duration) (bool, error) {
	if interval < 0 {
		return false, errors.New("cgroups: thaw interval must not be negative")
	}

	state, err := c.Read(hierarchy, cgroup, freezerStateControl)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(state) == stateThawed {
		return true, nil
	}
	if err := c.Write(hierarchy, cgroup, freezerStateControl, stateThawed); err != nil {
		return false, err
	}

	for attempt := 1; ; attempt++ {
		if err := c.delay(ctx, interval); err != nil {
			return false, err
		}

		state, err := c.Read(hierarchy, cgroup, freezerStateControl)
		if err != nil {
			return false, err
		}
		switch strings.TrimSpace(state) {
		case stateThawed:
			c.log.Infof("Thawed cgroup %s/%s after %d attempts", hierarchy, cgroup, attempt)
			return true, nil
		case stateFrozen, stateFreezing:
			// Still transitioning, keep polling.
		default:
			c.log.Fatalf("Unexpected freezer state %q in cgroup %s/%s", strings.TrimSpace(state), hierarchy, cgroup)
		}
	}
}

// resumeStopped sends SIGCONT to every task whose /proc stat state is 'T'.
func (c *Cgroups) resumeStopped(hierarchy string, cgroup string) error {
	pids, err := c.Tasks(hierarchy, cgroup)
	if err != nil {
		return err
	}
	for pid := range pids {
		stat, err := c.proc.Stat(pid)
		if err != nil {
			// The task may have exited between enumeration and stat.
			continue
		}
		if stat.State != 'T' {
			continue
		}
		c.log.Infof("Sending SIGCONT to stopped pid %d in cgroup %s/%s", pid, hierarchy, cgroup)
		if err := c.unix.Kill(pid, unix.SIGCONT); err != nil {
			c.log.Warnf("Failed to resume pid %d in cgroup %s/%s: %v", pid, hierarchy, cgroup, err)
		}
	}
	return nil
}

// delay waits for the polling interval unless the context is done first.
// A zero interval only checks for cancellation; callers choosing it accept
// the tight-loop cost.
func (c *Cgroups) delay(ctx context.Context, interval time.Duration) error {
	if interval == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.time.After(interval):
		return nil
	}
}
