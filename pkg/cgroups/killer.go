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
	"time"

	"golang.org/x/sys/unix"
)

// emptyWatcherRetries bounds one drain pass of the kill chain. A still
// non-empty cgroup restarts the whole chain rather than failing.
const emptyWatcherRetries = 50

// killTasks terminates every task in the cgroup:
//
//	freeze -> SIGKILL -> thaw -> wait until empty
//
// Freezing first makes the kill atomic with respect to fork: frozen tasks
// cannot spawn between enumeration and delivery, and SIGKILL stays queued
// until the thaw. Freeze and thaw outcomes are ignored as long as they do not
// error; whenever the drain times out the chain restarts from the freeze.
// Only an error from a step or cancellation ends the loop early.
func (c *Cgroups) killTasks(ctx context.Context, hierarchy string, cgroup string, interval time.Duration) error {
	for {
		if _, err := c.Freeze(ctx, hierarchy, cgroup, interval, -1); err != nil {
			return err
		}
		if err := c.Kill(hierarchy, cgroup, unix.SIGKILL); err != nil {
			return err
		}
		if _, err := c.Thaw(ctx, hierarchy, cgroup, interval); err != nil {
			return err
		}
		empty, err := c.watchEmpty(ctx, hierarchy, cgroup, interval, emptyWatcherRetries)
		if err != nil {
			return err
		}
		if empty {
			return nil
		}
		c.log.Infof("Tasks remain in cgroup %s/%s, restarting kill chain", hierarchy, cgroup)
	}
}
