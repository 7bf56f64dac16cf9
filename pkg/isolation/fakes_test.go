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
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/windlass-sched/windlass/pkg/cgroups"
	"github.com/windlass-sched/windlass/pkg/config"
	"github.com/windlass-sched/windlass/pkg/procfs"
)

// fakeDriver is an in-memory cgroup filesystem for coordinator tests.
type fakeDriver struct {
	mu         sync.Mutex
	mounted    bool
	foreign    sets.Set[string]
	cgroups    sets.Set[string]
	assigns    map[string]int
	writes     map[string][]string
	writeErr   map[string]error
	listeners   map[string]*fakeOOM
	destroys    []string
	destroyErr  int
	destroyGate chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		foreign:   sets.New[string](),
		cgroups:   sets.New[string](),
		assigns:   make(map[string]int),
		writes:    make(map[string][]string),
		writeErr:  make(map[string]error),
		listeners: make(map[string]*fakeOOM),
	}
}

func (d *fakeDriver) EnabledSubsystems(subsystems string) (bool, error) { return true, nil }

func (d *fakeDriver) Mounted(hierarchy string, subsystems string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mounted, nil
}

func (d *fakeDriver) Mount(hierarchy string, subsystems string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mounted = true
	return nil
}

func (d *fakeDriver) SubsystemsOf(hierarchy string) (sets.Set[string], error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.foreign.Clone(), nil
}

func (d *fakeDriver) Exists(hierarchy string, cgroup string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cgroups.Has(cgroup), nil
}

func (d *fakeDriver) Create(hierarchy string, cgroup string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cgroups.Has(cgroup) {
		return errors.Errorf("cgroup %s exists", cgroup)
	}
	d.cgroups.Insert(cgroup)
	return nil
}

// Get returns the strict descendants in reverse lexical order, so every
// child precedes its parent as in the post-order contract of the real walk.
func (d *fakeDriver) Get(hierarchy string, cgroup string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var nested []string
	for _, candidate := range d.cgroups.UnsortedList() {
		if strings.HasPrefix(candidate, cgroup+"/") {
			nested = append(nested, candidate)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(nested)))
	return nested, nil
}

func (d *fakeDriver) Assign(hierarchy string, cgroup string, pid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cgroups.Has(cgroup) {
		return errors.Errorf("cgroup %s does not exist", cgroup)
	}
	d.assigns[cgroup] = pid
	return nil
}

func (d *fakeDriver) Read(hierarchy string, cgroup string, control string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	values := d.writes[cgroup+":"+control]
	if len(values) == 0 {
		return "", nil
	}
	return values[len(values)-1], nil
}

func (d *fakeDriver) Write(hierarchy string, cgroup string, control string, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.writeErr[control]; ok {
		delete(d.writeErr, control)
		return err
	}
	key := cgroup + ":" + control
	d.writes[key] = append(d.writes[key], value)
	return nil
}

func (d *fakeDriver) Listen(hierarchy string, cgroup string, control string, args string) (OOMListener, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := newFakeOOM()
	d.listeners[cgroup] = l
	return l, nil
}

func (d *fakeDriver) Destroy(ctx context.Context, hierarchy string, cgroup string, interval time.Duration) error {
	d.mu.Lock()
	gate := d.destroyGate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyErr > 0 {
		d.destroyErr--
		return errors.Errorf("cannot destroy %s", cgroup)
	}
	for _, candidate := range d.cgroups.UnsortedList() {
		if candidate == cgroup || strings.HasPrefix(candidate, cgroup+"/") {
			d.cgroups.Delete(candidate)
		}
	}
	d.destroys = append(d.destroys, cgroup)
	return nil
}

func (d *fakeDriver) destroyed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.destroys...)
}

func (d *fakeDriver) written(cgroup string, control string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes[cgroup+":"+control]...)
}

func (d *fakeDriver) listener(cgroup string) *fakeOOM {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listeners[cgroup]
}

func (d *fakeDriver) executorCgroup(t *testing.T) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cgroup := range d.cgroups.UnsortedList() {
		if executorCgroupRE.MatchString(filepath.Base(cgroup)) {
			return cgroup
		}
	}
	t.Fatal("no executor cgroup found")
	return ""
}

// fakeOOM is a manually triggered OOM listener.
type fakeOOM struct {
	fire      chan uint64
	cancelled chan struct{}
	once      sync.Once
}

func newFakeOOM() *fakeOOM {
	return &fakeOOM{fire: make(chan uint64, 1), cancelled: make(chan struct{})}
}

func (l *fakeOOM) Wait(ctx context.Context) (uint64, error) {
	select {
	case v := <-l.fire:
		return v, nil
	case <-l.cancelled:
		return 0, cgroups.ErrListenerCancelled
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (l *fakeOOM) Cancel() {
	l.once.Do(func() { close(l.cancelled) })
}

type fakeLauncher struct {
	pid int
	err error
}

func (l *fakeLauncher) Launch(frameworkID FrameworkID, executorID ExecutorID, workDir string) (int, error) {
	return l.pid, l.err
}

type fakeWatcher struct {
	mu   sync.Mutex
	pids []int
}

func (w *fakeWatcher) Watch(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pids = append(w.pids, pid)
}

func (w *fakeWatcher) watched() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.pids...)
}

type termination struct {
	frameworkID FrameworkID
	executorID  ExecutorID
	status      int
	destroyed   bool
	reason      string
}

type recordingSink struct {
	ch chan termination
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan termination, 8)}
}

func (s *recordingSink) ExecutorTerminated(frameworkID FrameworkID, executorID ExecutorID, status int, destroyed bool, reason string) {
	s.ch <- termination{frameworkID, executorID, status, destroyed, reason}
}

func (s *recordingSink) await(t *testing.T) termination {
	t.Helper()
	select {
	case event := <-s.ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no executor termination observed")
		return termination{}
	}
}

func (s *recordingSink) assertNone(t *testing.T) {
	t.Helper()
	select {
	case event := <-s.ch:
		t.Fatalf("unexpected executor termination %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func newTestIsolator(t *testing.T, subsystems string) (*Isolator, *fakeDriver, *fakeLauncher, *fakeWatcher, *recordingSink) {
	t.Helper()
	cfg := &config.Config{
		Hierarchy:      "/cg",
		Subsystems:     subsystems,
		CgroupsRoot:    "windlass",
		PollInterval:   0,
		DestroyRetries: 2,
	}
	procRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "cpuinfo"),
		[]byte("processor\t: 0\nmodel name\t: test\n\nprocessor\t: 1\nmodel name\t: test\n"), 0644))

	d := newFakeDriver()
	launcher := &fakeLauncher{pid: 42}
	watcher := &fakeWatcher{}
	sink := newRecordingSink()
	iso := New(cfg, d, procfs.NewProcFSWithRoot(procRoot), launcher, watcher, sink, false)
	return iso, d, launcher, watcher, sink
}
