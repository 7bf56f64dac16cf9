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

// Package procfs reads the /proc entries the agent depends on.
package procfs

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SubsystemInfo is one row of /proc/cgroups.
type SubsystemInfo struct {
	Name      string
	Hierarchy int
	Cgroups   int
	Enabled   bool
}

// MountEntry is one row of /proc/mounts.
type MountEntry struct {
	Source  string
	Dir     string
	Type    string
	Options string
}

// ProcessStat is the subset of /proc/<pid>/stat the agent needs.
type ProcessStat struct {
	Pid   int
	Comm  string
	State byte
}

// ProcFS reads proc files under a configurable root so tests can point it at
// fixture trees.
type ProcFS struct {
	root string
}

// NewProcFS returns a reader rooted at /proc.
func NewProcFS() *ProcFS {
	return &ProcFS{root: "/proc"}
}

// NewProcFSWithRoot returns a reader rooted at the given directory.
func NewProcFSWithRoot(root string) *ProcFS {
	return &ProcFS{root: root}
}

func (p *ProcFS) path(elem ...string) string {
	return filepath.Join(append([]string{p.root}, elem...)...)
}

// Enabled reports whether the kernel exposes cgroups at all.
func (p *ProcFS) Enabled() bool {
	_, err := os.Stat(p.path("cgroups"))
	return err == nil
}

// Subsystems parses /proc/cgroups into a map keyed by subsystem name.
// Header lines starting with '#' and blank lines are skipped; any other
// malformed line fails the whole call.
func (p *ProcFS) Subsystems() (map[string]SubsystemInfo, error) {
	f, err := os.Open(p.path("cgroups"))
	if err != nil {
		return nil, errors.Wrap(err, "procfs: failed to open cgroups table")
	}
	defer f.Close()

	subsystems := make(map[string]SubsystemInfo)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, errors.Errorf("procfs: malformed cgroups line %q", line)
		}
		hierarchy, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "procfs: bad hierarchy id in line %q", line)
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, errors.Wrapf(err, "procfs: bad cgroup count in line %q", line)
		}
		enabled, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, errors.Wrapf(err, "procfs: bad enabled flag in line %q", line)
		}
		subsystems[fields[0]] = SubsystemInfo{
			Name:      fields[0],
			Hierarchy: hierarchy,
			Cgroups:   count,
			Enabled:   enabled != 0,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "procfs: failed reading cgroups table")
	}
	return subsystems, nil
}

// MountTable parses /proc/mounts. Entries are returned in file order; a
// directory mounted more than once keeps every entry, callers that want the
// effective mount must take the last one.
func (p *ProcFS) MountTable() ([]MountEntry, error) {
	f, err := os.Open(p.path("mounts"))
	if err != nil {
		return nil, errors.Wrap(err, "procfs: failed to open mount table")
	}
	defer f.Close()

	var entries []MountEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, errors.Errorf("procfs: malformed mounts line %q", line)
		}
		entries = append(entries, MountEntry{
			Source:  fields[0],
			Dir:     fields[1],
			Type:    fields[2],
			Options: fields[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "procfs: failed reading mount table")
	}
	return entries, nil
}

// Stat reads /proc/<pid>/stat. The comm field may itself contain spaces and
// parentheses, so the state is taken from the field after the last ')'.
func (p *ProcFS) Stat(pid int) (ProcessStat, error) {
	data, err := os.ReadFile(p.path(strconv.Itoa(pid), "stat"))
	if err != nil {
		return ProcessStat{}, errors.Wrapf(err, "procfs: failed to read stat for pid %d", pid)
	}
	line := strings.TrimSpace(string(data))

	open := strings.Index(line, "(")
	closing := strings.LastIndex(line, ")")
	if open < 0 || closing < 0 || closing < open {
		return ProcessStat{}, errors.Errorf("procfs: malformed stat for pid %d", pid)
	}

	statPid, err := strconv.Atoi(strings.TrimSpace(line[:open]))
	if err != nil {
		return ProcessStat{}, errors.Wrapf(err, "procfs: bad pid field in stat for pid %d", pid)
	}

	rest := strings.Fields(line[closing+1:])
	if len(rest) < 1 || len(rest[0]) != 1 {
		return ProcessStat{}, errors.Errorf("procfs: missing state field in stat for pid %d", pid)
	}

	return ProcessStat{
		Pid:   statPid,
		Comm:  line[open+1 : closing],
		State: rest[0][0],
	}, nil
}

// CPUs returns the processor ids listed in /proc/cpuinfo.
func (p *ProcFS) CPUs() ([]int, error) {
	f, err := os.Open(p.path("cpuinfo"))
	if err != nil {
		return nil, errors.Wrap(err, "procfs: failed to open cpuinfo")
	}
	defer f.Close()

	var cpus []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "processor") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("procfs: malformed cpuinfo line %q", line)
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, errors.Wrapf(err, "procfs: bad processor id in line %q", line)
		}
		cpus = append(cpus, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "procfs: failed reading cpuinfo")
	}
	return cpus, nil
}
