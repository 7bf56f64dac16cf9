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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/windlass-sched/windlass/pkg/procfs"
	"github.com/windlass-sched/windlass/pkg/unixwrapper"
)

// newTestCgroups builds a Cgroups over a tmpdir hierarchy that the proc
// fixtures report as mounted with the given subsystems.
func newTestCgroups(t *testing.T, subsystems string, u unixwrapper.Unix) (*Cgroups, string, string) {
	t.Helper()
	hierarchy := t.TempDir()
	procRoot := t.TempDir()

	writeProcFixture(t, procRoot, "cgroups", `#subsys_name	hierarchy	num_cgroups	enabled
cpuset	1	1	1
cpu	2	1	1
cpuacct	2	1	1
memory	3	1	1
freezer	4	1	1
net_cls	0	1	1
`)
	writeProcFixture(t, procRoot, "mounts",
		fmt.Sprintf("cgroup %s cgroup rw,relatime,%s 0 0\n", hierarchy, subsystems))

	c := New(u, procfs.NewProcFSWithRoot(procRoot))
	return c, hierarchy, procRoot
}

func writeProcFixture(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// mkCgroup creates a cgroup directory with the given control files.
func mkCgroup(t *testing.T, hierarchy, cgroup string, controls map[string]string) {
	t.Helper()
	dir := filepath.Join(hierarchy, cgroup)
	require.NoError(t, os.MkdirAll(dir, 0755))
	for control, content := range controls {
		require.NoError(t, os.WriteFile(filepath.Join(dir, control), []byte(content), 0644))
	}
}

// scriptedIO serves reads from per-control queues and records writes, letting
// tests walk the freezer and killer through exact state sequences. The last
// queued value repeats once the queue is down to one entry.
type scriptedIO struct {
	mu     sync.Mutex
	reads  map[string][]string
	writes map[string][]string
}

func newScriptedIO() *scriptedIO {
	return &scriptedIO{
		reads:  make(map[string][]string),
		writes: make(map[string][]string),
	}
}

func (s *scriptedIO) queue(control string, values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[control] = append(s.reads[control], values...)
}

// queueAt scripts reads for an exact path, for tests exercising several
// cgroups concurrently.
func (s *scriptedIO) queueAt(path string, values ...string) {
	s.queue(path, values...)
}

func (s *scriptedIO) read(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := path
	if _, ok := s.reads[key]; !ok {
		key = filepath.Base(path)
	}
	q := s.reads[key]
	if len(q) == 0 {
		return "", errors.Errorf("no scripted read for %s", path)
	}
	value := q[0]
	if len(q) > 1 {
		s.reads[key] = q[1:]
	}
	return value, nil
}

func (s *scriptedIO) write(path string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	control := filepath.Base(path)
	s.writes[control] = append(s.writes[control], value)
	return nil
}

func (s *scriptedIO) written(control string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes[control]...)
}
