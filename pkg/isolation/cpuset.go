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

package isolation

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Fractions within epsilon of each other are treated as equal, and shares
// within epsilon of zero are dropped.
const epsilon = 1e-9

// Cpuset tracks the fraction of each CPU held by one executor. Every CPU's
// fraction is in (0, 1]; the sum across all executors never exceeds 1 per
// CPU. Growing allocates from the machine's least used CPUs so executors
// spread out; shrinking releases this executor's most loaded CPUs first so
// its mask stays compact.
type Cpuset struct {
	shares map[int]float64
}

// NewCpuset returns an empty allocation.
func NewCpuset() *Cpuset {
	return &Cpuset{shares: make(map[int]float64)}
}

// Grow claims delta CPUs worth of fractions, preferring the CPUs with the
// lowest combined usage in the global map. Returns the newly claimed
// fractions per CPU; the caller merges them into the global map.
func (c *Cpuset) Grow(delta float64, usage map[int]float64) (map[int]float64, error) {
	if delta <= 0 {
		return nil, errors.Errorf("cpuset: invalid grow delta %f", delta)
	}

	cpus := lo.Keys(usage)
	sort.Ints(cpus)

	granted := make(map[int]float64)
	for delta > epsilon {
		best := -1
		bestUsed := 2.0
		for _, cpu := range cpus {
			used := usage[cpu] + granted[cpu]
			if used < bestUsed-epsilon {
				best = cpu
				bestUsed = used
			}
		}
		if best < 0 || bestUsed > 1-epsilon {
			return nil, errors.Errorf("cpuset: insufficient cpu capacity for %f more cpus", delta)
		}
		claim := delta
		if free := 1 - bestUsed; claim > free {
			claim = free
		}
		granted[best] += claim
		delta -= claim
	}

	for cpu, fraction := range granted {
		c.shares[cpu] += fraction
	}
	return granted, nil
}

// Shrink releases delta CPUs worth of fractions, taking from this
// executor's most loaded CPUs first. Returns the released fractions per
// CPU; the caller subtracts them from the global map.
func (c *Cpuset) Shrink(delta float64) (map[int]float64, error) {
	if delta <= 0 {
		return nil, errors.Errorf("cpuset: invalid shrink delta %f", delta)
	}
	if delta > c.Total()+epsilon {
		return nil, errors.Errorf("cpuset: cannot release %f cpus, only %f held", delta, c.Total())
	}

	released := make(map[int]float64)
	for delta > epsilon {
		best := -1
		bestHeld := 0.0
		for _, cpu := range c.CPUs() {
			if held := c.shares[cpu]; held > bestHeld+epsilon {
				best = cpu
				bestHeld = held
			}
		}
		if best < 0 {
			return nil, errors.Errorf("cpuset: cannot release %f more cpus", delta)
		}
		release := delta
		if release > bestHeld {
			release = bestHeld
		}
		c.shares[best] -= release
		if c.shares[best] < epsilon {
			delete(c.shares, best)
		}
		released[best] += release
		delta -= release
	}
	return released, nil
}

// Total is the sum of held fractions.
func (c *Cpuset) Total() float64 {
	return lo.Sum(lo.Values(c.shares))
}

// CPUs returns the held CPU ids in ascending order.
func (c *Cpuset) CPUs() []int {
	cpus := lo.Keys(c.shares)
	sort.Ints(cpus)
	return cpus
}

// Mask renders the held CPUs as a cpuset.cpus list, e.g. "0,2,3".
func (c *Cpuset) Mask() string {
	return strings.Join(lo.Map(c.CPUs(), func(cpu int, _ int) string {
		return strconv.Itoa(cpu)
	}), ",")
}
