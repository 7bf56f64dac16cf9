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
)

// watchEmpty polls the cgroup's task set every interval until it is empty.
// Returns true when empty, false when retries are exhausted first, and an
// error only on a read failure. retries < 0 polls forever.
func (c *Cgroups) watchEmpty(ctx context.Context, hierarchy string, cgroup string, interval time.Duration, retries int) (bool, error) {
	for attempt := 0; ; attempt++ {
		pids, err := c.Tasks(hierarchy, cgroup)
		if err != nil {
			return false, err
		}
		if pids.Len() == 0 {
			return true, nil
		}
		if retries >= 0 && attempt >= retries {
			c.log.Warnf("Cgroup %s/%s still has %d tasks after %d attempts", hierarchy, cgroup, pids.Len(), attempt)
			return false, nil
		}
		if err := c.delay(ctx, interval); err != nil {
			return false, err
		}
	}
}
