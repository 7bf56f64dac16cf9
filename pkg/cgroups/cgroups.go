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

// Package cgroups drives the Linux cgroups v1 virtual filesystem: hierarchy
// mounts, cgroup lifecycle, control file access, event notification, and the
// freeze/kill/thaw/drain teardown machinery.
package cgroups

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/windlass-sched/windlass/pkg/procfs"
	"github.com/windlass-sched/windlass/pkg/unixwrapper"
	"github.com/windlass-sched/windlass/pkg/utils/logger"
	"github.com/windlass-sched/windlass/pkg/utils/ttime"
)

const (
	tasksControl        = "tasks"
	eventControl        = "cgroup.event_control"
	cpusetCpusControl   = "cpuset.cpus"
	cpusetMemsControl   = "cpuset.mems"
	freezerStateControl = "freezer.state"
)

// Cgroups exposes the cgroup primitive operations over one or more mounted
// hierarchies. All paths passed to its methods are (hierarchy mount point,
// relative cgroup) pairs; the empty cgroup denotes the hierarchy root.
type Cgroups struct {
	unix unixwrapper.Unix
	proc *procfs.ProcFS
	time ttime.Time
	io   fileIO
	log  logger.Logger
}

// New returns a Cgroups backed by the real kernel interfaces.
func New(u unixwrapper.Unix, p *procfs.ProcFS) *Cgroups {
	return &Cgroups{
		unix: u,
		proc: p,
		time: &ttime.DefaultTime{},
		io:   &osFileIO{},
		log:  logger.Get(),
	}
}

// Enabled reports whether the kernel exposes cgroups at all.
func (c *Cgroups) Enabled() bool {
	return c.proc.Enabled()
}

// Subsystems returns the names of all subsystems the kernel advertises,
// enabled or not.
func (c *Cgroups) Subsystems() (sets.Set[string], error) {
	table, err := c.proc.Subsystems()
	if err != nil {
		return nil, err
	}
	names := sets.New[string]()
	for name := range table {
		names.Insert(name)
	}
	return names, nil
}

// EnabledSubsystems reports whether every subsystem in the comma separated
// list exists and is enabled in the kernel.
func (c *Cgroups) EnabledSubsystems(subsystems string) (bool, error) {
	table, err := c.proc.Subsystems()
	if err != nil {
		return false, err
	}
	for _, name := range splitCSV(subsystems) {
		info, ok := table[name]
		if !ok {
			return false, errors.Errorf("cgroups: %q is not a valid subsystem", name)
		}
		if !info.Enabled {
			return false, nil
		}
	}
	return true, nil
}

// Busy reports whether any subsystem in the comma separated list is already
// attached to a hierarchy.
func (c *Cgroups) Busy(subsystems string) (bool, error) {
	table, err := c.proc.Subsystems()
	if err != nil {
		return false, err
	}
	for _, name := range splitCSV(subsystems) {
		info, ok := table[name]
		if !ok {
			return false, errors.Errorf("cgroups: %q is not a valid subsystem", name)
		}
		if info.Hierarchy != 0 {
			return true, nil
		}
	}
	return false, nil
}

// Hierarchies returns every mounted cgroup hierarchy keyed by canonical mount
// point, with the set of subsystems attached to each.
func (c *Cgroups) Hierarchies() (map[string]sets.Set[string], error) {
	table, err := c.proc.Subsystems()
	if err != nil {
		return nil, err
	}
	mounts, err := c.proc.MountTable()
	if err != nil {
		return nil, err
	}

	hierarchies := make(map[string]sets.Set[string])
	for _, entry := range mounts {
		if entry.Type != "cgroup" {
			continue
		}
		attached := sets.New[string]()
		for _, option := range strings.Split(entry.Options, ",") {
			if _, ok := table[option]; ok {
				attached.Insert(option)
			}
		}
		// A directory mounted more than once keeps only the last entry.
		hierarchies[canonicalize(entry.Dir)] = attached
	}
	return hierarchies, nil
}

// SubsystemsOf returns the subsystems attached to the given hierarchy, or an
// error if the path is not a mounted hierarchy.
func (c *Cgroups) SubsystemsOf(hierarchy string) (sets.Set[string], error) {
	hierarchies, err := c.Hierarchies()
	if err != nil {
		return nil, err
	}
	attached, ok := hierarchies[canonicalize(hierarchy)]
	if !ok {
		return nil, errors.Errorf("cgroups: %s is not a mounted hierarchy", hierarchy)
	}
	return attached, nil
}

// Mounted reports whether hierarchy is a mounted cgroup hierarchy that has
// every subsystem in the comma separated list attached. An empty list checks
// only that the hierarchy is mounted.
func (c *Cgroups) Mounted(hierarchy string, subsystems string) (bool, error) {
	hierarchies, err := c.Hierarchies()
	if err != nil {
		return false, err
	}
	attached, ok := hierarchies[canonicalize(hierarchy)]
	if !ok {
		return false, nil
	}
	for _, name := range splitCSV(subsystems) {
		if !attached.Has(name) {
			return false, nil
		}
	}
	return true, nil
}

// Mount attaches the comma separated subsystems to a new hierarchy at the
// given path. The path must not already exist and every subsystem must be
// enabled and not attached elsewhere.
func (c *Cgroups) Mount(hierarchy string, subsystems string) error {
	if _, err := os.Stat(hierarchy); err == nil {
		return errors.Errorf("cgroups: %s already exists", hierarchy)
	}

	table, err := c.proc.Subsystems()
	if err != nil {
		return err
	}
	for _, name := range splitCSV(subsystems) {
		info, ok := table[name]
		if !ok {
			return errors.Errorf("cgroups: %q is not a valid subsystem", name)
		}
		if !info.Enabled {
			return errors.Errorf("cgroups: subsystem %q is not enabled", name)
		}
		if info.Hierarchy != 0 {
			return errors.Errorf("cgroups: subsystem %q is already attached to another hierarchy", name)
		}
	}

	if err := os.MkdirAll(hierarchy, 0755); err != nil {
		return errors.Wrapf(err, "cgroups: failed to create %s", hierarchy)
	}
	if err := c.unix.Mount(subsystems, hierarchy, "cgroup", 0, subsystems); err != nil {
		os.Remove(hierarchy)
		return errors.Wrapf(err, "cgroups: failed to mount %s at %s", subsystems, hierarchy)
	}
	return nil
}

// Unmount detaches the hierarchy and removes its mount point. The hierarchy
// must not contain any cgroups.
func (c *Cgroups) Unmount(hierarchy string) error {
	if err := c.verify(hierarchy, "", ""); err != nil {
		return err
	}
	if err := c.unix.Unmount(hierarchy, 0); err != nil {
		return errors.Wrapf(err, "cgroups: failed to unmount %s", hierarchy)
	}
	if err := os.Remove(hierarchy); err != nil {
		return errors.Wrapf(err, "cgroups: failed to remove %s", hierarchy)
	}
	return nil
}

// Create makes the cgroup directory. The parent cgroup must already exist.
// When the cpuset subsystem is attached, cpuset.cpus and cpuset.mems are
// cloned from the parent: the kernel initializes them empty and moving a task
// into an empty cpuset fails with EBUSY.
func (c *Cgroups) Create(hierarchy string, cgroup string) error {
	if err := c.verify(hierarchy, "", ""); err != nil {
		return err
	}
	path := filepath.Join(hierarchy, cgroup)
	if err := os.Mkdir(path, 0755); err != nil {
		return errors.Wrapf(err, "cgroups: failed to create cgroup %s/%s", hierarchy, cgroup)
	}

	attached, err := c.SubsystemsOf(hierarchy)
	if err != nil {
		return err
	}
	if !attached.Has("cpuset") {
		return nil
	}
	// The kernel creates the control files as part of mkdir, so the clone
	// can skip the existence checks.
	parent := filepath.Dir(path)
	for _, control := range []string{cpusetCpusControl, cpusetMemsControl} {
		value, err := c.io.read(filepath.Join(parent, control))
		if err != nil {
			return err
		}
		if err := c.io.write(filepath.Join(path, control), strings.TrimSpace(value)); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the cgroup directory. Removal is non-recursive and fails if
// nested cgroups exist; recursive teardown is Destroy's job.
func (c *Cgroups) Remove(hierarchy string, cgroup string) error {
	if err := c.verify(hierarchy, cgroup, ""); err != nil {
		return err
	}
	nested, err := c.Get(hierarchy, cgroup)
	if err != nil {
		return err
	}
	if len(nested) > 0 {
		return errors.Errorf("cgroups: cannot remove %s/%s, it contains nested cgroups", hierarchy, cgroup)
	}
	return c.removeDir(hierarchy, cgroup)
}

func (c *Cgroups) removeDir(hierarchy string, cgroup string) error {
	if err := c.unix.Rmdir(filepath.Join(hierarchy, cgroup)); err != nil {
		return errors.Wrapf(err, "cgroups: failed to remove cgroup %s/%s", hierarchy, cgroup)
	}
	return nil
}

// Exists reports whether the cgroup directory exists in a mounted hierarchy.
func (c *Cgroups) Exists(hierarchy string, cgroup string) (bool, error) {
	if err := c.verify(hierarchy, "", ""); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(hierarchy, cgroup))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "cgroups: failed to stat cgroup %s/%s", hierarchy, cgroup)
	}
	return true, nil
}

// Get returns every cgroup nested below the given one, in post-order so each
// child appears before its parent. Callers removing the returned list in
// order never rmdir a non-empty directory. The cgroup itself is not included.
func (c *Cgroups) Get(hierarchy string, cgroup string) ([]string, error) {
	if err := c.verify(hierarchy, cgroup, ""); err != nil {
		return nil, err
	}

	var out []string
	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return errors.Wrapf(err, "cgroups: failed to list %s", dir)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			child := filepath.Join(dir, entry.Name())
			if err := walk(child); err != nil {
				return err
			}
			rel, err := filepath.Rel(hierarchy, child)
			if err != nil {
				return errors.Wrapf(err, "cgroups: failed to relativize %s", child)
			}
			out = append(out, rel)
		}
		return nil
	}
	if err := walk(filepath.Join(hierarchy, cgroup)); err != nil {
		return nil, err
	}
	return out, nil
}

// Tasks returns the deduplicated set of PIDs attached to the cgroup.
func (c *Cgroups) Tasks(hierarchy string, cgroup string) (sets.Set[int], error) {
	value, err := c.Read(hierarchy, cgroup, tasksControl)
	if err != nil {
		return nil, err
	}
	pids := sets.New[int]()
	for _, field := range strings.Fields(value) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			return nil, errors.Wrapf(err, "cgroups: malformed pid %q in %s/%s tasks", field, hierarchy, cgroup)
		}
		pids.Insert(pid)
	}
	return pids, nil
}

// Assign moves the process into the cgroup.
func (c *Cgroups) Assign(hierarchy string, cgroup string, pid int) error {
	return c.Write(hierarchy, cgroup, tasksControl, strconv.Itoa(pid))
}

// Kill sends the signal to every task currently in the cgroup. The task set
// is read once; the first failed kill aborts, already signalled processes are
// not undone.
func (c *Cgroups) Kill(hierarchy string, cgroup string, signal unix.Signal) error {
	pids, err := c.Tasks(hierarchy, cgroup)
	if err != nil {
		return err
	}
	for _, pid := range sets.List(pids) {
		if err := c.unix.Kill(pid, signal); err != nil {
			return errors.Wrapf(err, "cgroups: failed to signal pid %d in %s/%s", pid, hierarchy, cgroup)
		}
	}
	return nil
}

// Read returns the contents of a control file.
func (c *Cgroups) Read(hierarchy string, cgroup string, control string) (string, error) {
	if err := c.verify(hierarchy, cgroup, control); err != nil {
		return "", err
	}
	return c.io.read(filepath.Join(hierarchy, cgroup, control))
}

// Write writes a newline-terminated value to a control file.
func (c *Cgroups) Write(hierarchy string, cgroup string, control string, value string) error {
	if err := c.verify(hierarchy, cgroup, control); err != nil {
		return err
	}
	return c.io.write(filepath.Join(hierarchy, cgroup, control), value)
}

// ExistsControl reports whether the control file exists in the cgroup.
// A missing control file usually means the subsystem is not attached.
func (c *Cgroups) ExistsControl(hierarchy string, cgroup string, control string) (bool, error) {
	if err := c.verify(hierarchy, cgroup, ""); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(hierarchy, cgroup, control))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "cgroups: failed to stat control %q in %s/%s", control, hierarchy, cgroup)
	}
	return true, nil
}

// verify is the precondition check behind every public operation: the
// hierarchy must be mounted, the cgroup directory must exist if supplied, and
// the control file must exist if supplied.
func (c *Cgroups) verify(hierarchy string, cgroup string, control string) error {
	mounted, err := c.Mounted(hierarchy, "")
	if err != nil {
		return err
	}
	if !mounted {
		return errors.Errorf("cgroups: %s is not a mounted hierarchy", hierarchy)
	}
	if cgroup != "" {
		if _, err := os.Stat(filepath.Join(hierarchy, cgroup)); err != nil {
			return errors.Wrapf(err, "cgroups: cgroup %s/%s does not exist", hierarchy, cgroup)
		}
	}
	if control != "" {
		if _, err := os.Stat(filepath.Join(hierarchy, cgroup, control)); err != nil {
			return errors.Wrapf(err,
				"cgroups: control %q does not exist in %s/%s, the subsystem may not be attached",
				control, hierarchy, cgroup)
		}
	}
	return nil
}

func splitCSV(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// canonicalize resolves symlinks where possible so mount table comparisons
// are stable across /sys/fs/cgroup indirections.
func canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}
