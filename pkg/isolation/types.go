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

// Package isolation binds executor processes to cgroups, applies resource
// limits as allocations change, and tears the cgroups down when executors
// terminate.
package isolation

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/windlass-sched/windlass/pkg/cgroups"
)

// FrameworkID identifies the scheduler framework an executor belongs to.
type FrameworkID string

// ExecutorID identifies an executor within a framework.
type ExecutorID string

// Resource is one entry of an executor's resource allocation. Recognized
// names are "cpus" (CPU count, fractional), "mem" (megabytes) and "net"
// (bandwidth, megabits per second).
type Resource struct {
	Name  string
	Value float64
}

// IsolationBackend is the surface the agent drives.
type IsolationBackend interface {
	Initialize(ctx context.Context) error
	LaunchExecutor(ctx context.Context, frameworkID FrameworkID, executorID ExecutorID, workDir string, resources []Resource) error
	KillExecutor(ctx context.Context, frameworkID FrameworkID, executorID ExecutorID) error
	ResourcesChanged(ctx context.Context, frameworkID FrameworkID, executorID ExecutorID, resources []Resource) error
}

// ReaperSink receives process exit notifications from the reaper.
type ReaperSink interface {
	ProcessExited(pid int, status int)
}

// EventSink receives executor lifecycle notifications from the isolator.
// Destroyed is true when the isolator initiated the termination (explicit
// kill or memory limit), false when the executor exited on its own.
type EventSink interface {
	ExecutorTerminated(frameworkID FrameworkID, executorID ExecutorID, status int, destroyed bool, reason string)
}

// Launcher forks and execs an executor process, returning its leading PID.
type Launcher interface {
	Launch(frameworkID FrameworkID, executorID ExecutorID, workDir string) (int, error)
}

// PidWatcher registers interest in the exit of a PID.
type PidWatcher interface {
	Watch(pid int)
}

// OOMListener is an armed one-shot memory pressure notification.
type OOMListener interface {
	Wait(ctx context.Context) (uint64, error)
	Cancel()
}

// CgroupDriver is the subset of cgroup operations the isolator drives.
type CgroupDriver interface {
	EnabledSubsystems(subsystems string) (bool, error)
	Mounted(hierarchy string, subsystems string) (bool, error)
	Mount(hierarchy string, subsystems string) error
	SubsystemsOf(hierarchy string) (sets.Set[string], error)
	Exists(hierarchy string, cgroup string) (bool, error)
	Create(hierarchy string, cgroup string) error
	Get(hierarchy string, cgroup string) ([]string, error)
	Assign(hierarchy string, cgroup string, pid int) error
	Read(hierarchy string, cgroup string, control string) (string, error)
	Write(hierarchy string, cgroup string, control string, value string) error
	Listen(hierarchy string, cgroup string, control string, args string) (OOMListener, error)
	Destroy(ctx context.Context, hierarchy string, cgroup string, interval time.Duration) error
}

type driver struct {
	*cgroups.Cgroups
}

func (d driver) Listen(hierarchy string, cgroup string, control string, args string) (OOMListener, error) {
	return d.Cgroups.Listen(hierarchy, cgroup, control, args)
}

// NewDriver adapts a cgroups client to the CgroupDriver interface.
func NewDriver(c *cgroups.Cgroups) CgroupDriver {
	return driver{c}
}
