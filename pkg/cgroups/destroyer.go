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
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Destroy tears down the cgroup and all of its descendants. One kill chain
// runs per cgroup in parallel; once all of them drain, the directories are
// removed leaves first. The first rmdir failure aborts with no further
// removals. Requires the freezer subsystem on the hierarchy.
func (c *Cgroups) Destroy(ctx context.Context, hierarchy string, cgroup string, interval time.Duration) error {
	if interval < 0 {
		return errors.New("cgroups: destroy interval must not be negative")
	}
	if err := c.verify(hierarchy, cgroup, freezerStateControl); err != nil {
		return err
	}

	cgroups, err := c.Get(hierarchy, cgroup)
	if err != nil {
		return err
	}
	if cgroup != "/" {
		cgroups = append(cgroups, cgroup)
	}

	var wg sync.WaitGroup
	killErrs := make([]error, len(cgroups))
	for i, cg := range cgroups {
		wg.Add(1)
		go func(i int, cg string) {
			defer wg.Done()
			killErrs[i] = c.killTasks(ctx, hierarchy, cg, interval)
		}(i, cg)
	}
	wg.Wait()

	for _, err := range killErrs {
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, cg := range cgroups {
		if err := c.removeDir(hierarchy, cg); err != nil {
			return err
		}
	}
	c.log.Infof("Destroyed cgroup %s/%s and %d descendants", hierarchy, cgroup, len(cgroups)-1)
	return nil
}
