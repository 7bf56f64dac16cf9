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
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sys/unix"

	"github.com/windlass-sched/windlass/utils/prometheusmetrics"
)

const (
	cpuSharesControl    = "cpu.shares"
	cpusetCpusControl   = "cpuset.cpus"
	memLimitControl     = "memory.limit_in_bytes"
	memSoftLimitControl = "memory.soft_limit_in_bytes"
	netClassControl     = "net_cls.classid"

	cpuSharesPerCPU = 1024
	minCPUShares    = 10

	bytesPerMegabyte = 1024 * 1024
)

// installHandlers builds the resource handler table. The table is immutable
// afterwards; the "cpus" entry dispatches to the cpuset variant when the
// cpuset subsystem is attached, the cpu.shares variant otherwise.
func (i *Isolator) installHandlers() {
	if _, ok := i.subsystems["cpuset"]; ok {
		i.handlers["cpus"] = i.cpusetChanged
	} else if _, ok := i.subsystems["cpu"]; ok {
		i.handlers["cpus"] = i.cpusChanged
	}
	if _, ok := i.subsystems["memory"]; ok {
		i.handlers["mem"] = i.memChanged
	}
	if _, ok := i.subsystems["net_cls"]; ok {
		i.handlers["net"] = i.netChanged
	}
}

// cpusChanged maps a fractional CPU count onto cpu.shares, never dropping
// below the kernel-meaningful floor.
func (i *Isolator) cpusChanged(info *cgroupInfo, cpus float64) error {
	if cpus <= 0 {
		return errors.Errorf("isolation: invalid cpus value %f", cpus)
	}
	shares := int64(math.Ceil(cpus * cpuSharesPerCPU))
	if shares < minCPUShares {
		shares = minCPUShares
	}
	if err := i.cg.Write(i.cfg.Hierarchy, info.cgroup, cpuSharesControl, strconv.FormatInt(shares, 10)); err != nil {
		return err
	}
	i.log.Infof("Updated %s of %s to %d", cpuSharesControl, info.cgroup, shares)
	return nil
}

// cpusetChanged reconciles the executor's pinned CPUs against the new
// allocation and writes the resulting mask. Growing claims the machine's
// least used CPUs; shrinking releases this executor's most loaded ones.
func (i *Isolator) cpusetChanged(info *cgroupInfo, cpus float64) error {
	if cpus <= 0 {
		return errors.Errorf("isolation: invalid cpus value %f", cpus)
	}
	if info.cpuset == nil {
		info.cpuset = NewCpuset()
	}

	delta := cpus - info.cpuset.Total()
	switch {
	case delta > epsilon:
		granted, err := info.cpuset.Grow(delta, i.cpus)
		if err != nil {
			return err
		}
		for cpu, fraction := range granted {
			i.cpus[cpu] += fraction
		}
		prometheusmetrics.CpusAllocated.Set(lo.Sum(lo.Values(i.cpus)))
	case delta < -epsilon:
		released, err := info.cpuset.Shrink(-delta)
		if err != nil {
			return err
		}
		i.releaseCPUs(released)
	default:
		// Same allocation replayed; the mask below is rewritten unchanged.
	}

	mask := info.cpuset.Mask()
	if err := i.cg.Write(i.cfg.Hierarchy, info.cgroup, cpusetCpusControl, mask); err != nil {
		return err
	}
	i.log.Infof("Updated %s of %s to %s", cpusetCpusControl, info.cgroup, mask)
	return nil
}

// memChanged writes the hard and soft memory limits. Shrinking the hard
// limit below the cgroup's current usage is rejected by the kernel with
// EBUSY; the executor keeps running under its old limit, so that is
// reported but not treated as a failure.
func (i *Isolator) memChanged(info *cgroupInfo, megabytes float64) error {
	if megabytes <= 0 {
		return errors.Errorf("isolation: invalid mem value %f", megabytes)
	}
	limit := strconv.FormatInt(int64(megabytes)*bytesPerMegabyte, 10)

	if err := i.cg.Write(i.cfg.Hierarchy, info.cgroup, memLimitControl, limit); err != nil {
		if errors.Is(err, unix.EBUSY) {
			i.log.Warnf("Cannot shrink %s of %s below current usage: %v", memLimitControl, info.cgroup, err)
			return nil
		}
		return err
	}
	if err := i.cg.Write(i.cfg.Hierarchy, info.cgroup, memSoftLimitControl, limit); err != nil {
		return err
	}
	i.log.Infof("Updated %s of %s to %s", memLimitControl, info.cgroup, limit)
	return nil
}

// netChanged tags the executor's traffic with a net_cls class identifier.
func (i *Isolator) netChanged(info *cgroupInfo, megabits float64) error {
	class := bandwidthClass(megabits)
	if err := i.cg.Write(i.cfg.Hierarchy, info.cgroup, netClassControl, strconv.FormatUint(uint64(class), 10)); err != nil {
		return err
	}
	i.log.Infof("Updated %s of %s to %d", netClassControl, info.cgroup, class)
	return nil
}

// bandwidthClass maps a bandwidth allocation to a net_cls class id.
// TODO: derive real class ids once the traffic shaping classes exist; until
// then every executor lands in class 1.
func bandwidthClass(megabits float64) uint32 {
	return 1
}
