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

package procfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const cgroupsFixture = `#subsys_name	hierarchy	num_cgroups	enabled
cpuset	1	4	1
cpu	2	12	1
cpuacct	2	12	1
memory	3	40	1
freezer	4	4	1
net_cls	0	1	0
`

func TestSubsystems(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "cgroups", cgroupsFixture)

	p := NewProcFSWithRoot(root)
	subsystems, err := p.Subsystems()
	require.NoError(t, err)

	assert.Len(t, subsystems, 6)
	assert.Equal(t, SubsystemInfo{Name: "cpu", Hierarchy: 2, Cgroups: 12, Enabled: true}, subsystems["cpu"])
	assert.Equal(t, SubsystemInfo{Name: "cpuacct", Hierarchy: 2, Cgroups: 12, Enabled: true}, subsystems["cpuacct"])
	assert.False(t, subsystems["net_cls"].Enabled)
}

func TestSubsystemsMalformed(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "cgroups", "cpu 2 12\n")

	p := NewProcFSWithRoot(root)
	_, err := p.Subsystems()
	assert.Error(t, err)
}

func TestSubsystemsMissing(t *testing.T) {
	p := NewProcFSWithRoot(t.TempDir())
	_, err := p.Subsystems()
	assert.Error(t, err)
	assert.False(t, p.Enabled())
}

func TestEnabled(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "cgroups", cgroupsFixture)
	assert.True(t, NewProcFSWithRoot(root).Enabled())
}

func TestMountTable(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "mounts", `proc /proc proc rw,nosuid 0 0
cgroup /sys/fs/cgroup/freezer cgroup rw,freezer 0 0
cgroup /sys/fs/cgroup/cpu cgroup rw,cpu,cpuacct 0 0
cgroup /sys/fs/cgroup/freezer cgroup rw,freezer,remount 0 0
`)

	p := NewProcFSWithRoot(root)
	entries, err := p.MountTable()
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, MountEntry{Source: "proc", Dir: "/proc", Type: "proc", Options: "rw,nosuid"}, entries[0])
	// Duplicate mount points keep every entry in file order.
	assert.Equal(t, "rw,freezer", entries[1].Options)
	assert.Equal(t, "rw,freezer,remount", entries[3].Options)
}

func TestMountTableMalformed(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "mounts", "cgroup /sys/fs/cgroup\n")

	p := NewProcFSWithRoot(root)
	_, err := p.MountTable()
	assert.Error(t, err)
}

func TestStat(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "42/stat", "42 (agent) S 1 42 42 0 -1 4194560 1110\n")

	p := NewProcFSWithRoot(root)
	stat, err := p.Stat(42)
	require.NoError(t, err)
	assert.Equal(t, 42, stat.Pid)
	assert.Equal(t, "agent", stat.Comm)
	assert.Equal(t, byte('S'), stat.State)
}

func TestStatCommWithParensAndSpaces(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "99/stat", "99 (tricky name) (v2)) T 1 99 99 0 -1 4194560 1110\n")

	p := NewProcFSWithRoot(root)
	stat, err := p.Stat(99)
	require.NoError(t, err)
	assert.Equal(t, "tricky name) (v2)", stat.Comm)
	assert.Equal(t, byte('T'), stat.State)
}

func TestStatMissingProcess(t *testing.T) {
	p := NewProcFSWithRoot(t.TempDir())
	_, err := p.Stat(12345)
	assert.Error(t, err)
}

func TestCPUs(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "cpuinfo", `processor	: 0
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R)
processor	: 1
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R)
`)

	p := NewProcFSWithRoot(root)
	cpus, err := p.CPUs()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, cpus)
}
