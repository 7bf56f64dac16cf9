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
	"fmt"
	"path"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/windlass-sched/windlass/pkg/config"
	"github.com/windlass-sched/windlass/pkg/procfs"
	"github.com/windlass-sched/windlass/pkg/utils/logger"
	"github.com/windlass-sched/windlass/pkg/utils/retry"
	"github.com/windlass-sched/windlass/utils/prometheusmetrics"
)

const (
	oomControl = "memory.oom_control"

	reasonKilled      = "executor killed"
	reasonOOM         = "memory limit exceeded"
	reasonExited      = "executor exited"
	statusUnknown     = -1
	destroyBackoffMin = 100 * time.Millisecond
	destroyBackoffMax = 5 * time.Second
)

// executorCgroupRE matches the directory names the isolator creates under
// the umbrella cgroup. Anything matching it at startup is an orphan from a
// previous agent incarnation.
var executorCgroupRE = regexp.MustCompile(`^framework_(.+)_executor_(.+)_tag_(.+)$`)

// cgroupInfo is the isolator's record of one live executor.
type cgroupInfo struct {
	frameworkID FrameworkID
	executorID  ExecutorID
	tag         string
	cgroup      string
	pid         int
	killed      bool
	destroyed   bool
	reason      string
	oom         OOMListener
	cpuset      *Cpuset
}

type handlerFunc func(info *cgroupInfo, value float64) error

// Isolator implements IsolationBackend and ReaperSink. A single mutex
// serializes every mutation of the executor index and the allocated CPU
// map, so callbacks arriving from the reaper, the OOM listeners and the
// agent observe one consistent ordering.
type Isolator struct {
	cfg      *config.Config
	cg       CgroupDriver
	proc     *procfs.ProcFS
	launcher Launcher
	watcher  PidWatcher
	sink     EventSink
	local    bool
	log      logger.Logger

	mu         sync.Mutex
	subsystems map[string]struct{}
	handlers   map[string]handlerFunc
	executors  map[FrameworkID]map[ExecutorID]*cgroupInfo
	cpus       map[int]float64
}

// New builds an Isolator. Initialize must be called before any other
// operation.
func New(cfg *config.Config, cg CgroupDriver, proc *procfs.ProcFS, launcher Launcher, watcher PidWatcher, sink EventSink, local bool) *Isolator {
	return &Isolator{
		cfg:        cfg,
		cg:         cg,
		proc:       proc,
		launcher:   launcher,
		watcher:    watcher,
		sink:       sink,
		local:      local,
		log:        logger.Get(),
		subsystems: make(map[string]struct{}),
		handlers:   make(map[string]handlerFunc),
		executors:  make(map[FrameworkID]map[ExecutorID]*cgroupInfo),
		cpus:       make(map[int]float64),
	}
}

// Initialize mounts or adopts the hierarchy, creates the umbrella cgroup,
// schedules destruction of orphaned executor cgroups from a previous
// incarnation, seeds the CPU map and installs the resource handlers.
func (i *Isolator) Initialize(ctx context.Context) error {
	if i.local {
		return errors.New("isolation: cgroups cannot be used in local mode")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, err := i.cg.EnabledSubsystems(i.cfg.Subsystems); err != nil {
		return errors.Wrap(err, "isolation: required subsystems unavailable")
	}

	mounted, err := i.cg.Mounted(i.cfg.Hierarchy, i.cfg.Subsystems)
	if err != nil {
		return err
	}
	if !mounted {
		// SubsystemsOf fails when nothing is mounted at the path yet; Mount
		// validates the subsystems itself in that case.
		if attached, err := i.cg.SubsystemsOf(i.cfg.Hierarchy); err == nil && attached.Len() > 0 {
			return errors.Errorf("isolation: %s is mounted with subsystems %v, want %s",
				i.cfg.Hierarchy, attached.UnsortedList(), i.cfg.Subsystems)
		}
		if err := i.cg.Mount(i.cfg.Hierarchy, i.cfg.Subsystems); err != nil {
			return err
		}
		i.log.Infof("Mounted cgroups hierarchy at %s with subsystems %s", i.cfg.Hierarchy, i.cfg.Subsystems)
	}
	for _, subsystem := range i.cfg.SubsystemList() {
		i.subsystems[subsystem] = struct{}{}
	}

	exists, err := i.cg.Exists(i.cfg.Hierarchy, i.cfg.CgroupsRoot)
	if err != nil {
		return err
	}
	if !exists {
		if err := i.cg.Create(i.cfg.Hierarchy, i.cfg.CgroupsRoot); err != nil {
			return err
		}
	}

	if err := i.cleanupOrphans(ctx); err != nil {
		return err
	}

	if _, ok := i.subsystems["cpuset"]; ok {
		cpus, err := i.proc.CPUs()
		if err != nil {
			return errors.Wrap(err, "isolation: failed to enumerate cpus")
		}
		for _, cpu := range cpus {
			i.cpus[cpu] = 0
		}
	}

	i.installHandlers()
	i.log.Infof("Isolator initialized: hierarchy=%s root=%s subsystems=%s",
		i.cfg.Hierarchy, i.cfg.CgroupsRoot, i.cfg.Subsystems)
	return nil
}

// cleanupOrphans destroys executor cgroups left behind by a previous agent
// process. No live PID claims them, so destruction runs in the background
// and a failure is logged rather than failing initialization.
func (i *Isolator) cleanupOrphans(ctx context.Context) error {
	nested, err := i.cg.Get(i.cfg.Hierarchy, i.cfg.CgroupsRoot)
	if err != nil {
		return err
	}
	orphans := lo.Filter(nested, func(cgroup string, _ int) bool {
		return path.Dir(cgroup) == i.cfg.CgroupsRoot && executorCgroupRE.MatchString(path.Base(cgroup))
	})
	for _, orphan := range orphans {
		i.log.Infof("Destroying orphaned executor cgroup %s", orphan)
		go func(orphan string) {
			if err := i.destroyWithRetries(ctx, orphan); err != nil {
				i.log.Errorf("Failed to destroy orphaned cgroup %s: %v", orphan, err)
				prometheusmetrics.CgroupDestroyErr.WithLabelValues("cleanupOrphans").Inc()
				return
			}
			prometheusmetrics.OrphansCleaned.Inc()
			prometheusmetrics.CgroupsDestroyed.WithLabelValues("orphan").Inc()
		}(orphan)
	}
	return nil
}

// LaunchExecutor creates the executor's cgroup, applies the initial
// resource limits, starts the executor, assigns its PID to the cgroup and
// arms exit and OOM notifications.
func (i *Isolator) LaunchExecutor(ctx context.Context, frameworkID FrameworkID, executorID ExecutorID, workDir string, resources []Resource) error {
	prometheusmetrics.IsolatorActionsInprogress.WithLabelValues("launchExecutor").Inc()
	defer prometheusmetrics.IsolatorActionsInprogress.WithLabelValues("launchExecutor").Dec()

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.lookup(frameworkID, executorID) != nil {
		prometheusmetrics.IsolatorErr.WithLabelValues("launchExecutor").Inc()
		return errors.Errorf("isolation: executor %s of framework %s is already launched", executorID, frameworkID)
	}

	tag := uuid.NewString()
	info := &cgroupInfo{
		frameworkID: frameworkID,
		executorID:  executorID,
		tag:         tag,
		cgroup:      path.Join(i.cfg.CgroupsRoot, fmt.Sprintf("framework_%s_executor_%s_tag_%s", frameworkID, executorID, tag)),
	}
	if _, ok := i.subsystems["cpuset"]; ok {
		info.cpuset = NewCpuset()
	}
	if i.executors[frameworkID] == nil {
		i.executors[frameworkID] = make(map[ExecutorID]*cgroupInfo)
	}
	i.executors[frameworkID][executorID] = info

	if err := i.cg.Create(i.cfg.Hierarchy, info.cgroup); err != nil {
		i.unregister(frameworkID, executorID)
		prometheusmetrics.IsolatorErr.WithLabelValues("launchExecutor").Inc()
		return err
	}

	// Limits land before the executor gets a chance to run.
	for _, resource := range resources {
		if err := i.applyResource(info, resource); err != nil {
			i.abortLaunch(info)
			return err
		}
	}

	pid, err := i.launcher.Launch(frameworkID, executorID, workDir)
	if err != nil {
		i.abortLaunch(info)
		return errors.Wrapf(err, "isolation: failed to launch executor %s of framework %s", executorID, frameworkID)
	}
	info.pid = pid

	if err := i.cg.Assign(i.cfg.Hierarchy, info.cgroup, pid); err != nil {
		i.abortLaunch(info)
		return err
	}

	i.watcher.Watch(pid)

	if _, ok := i.subsystems["memory"]; ok {
		listener, err := i.cg.Listen(i.cfg.Hierarchy, info.cgroup, oomControl, "")
		if err != nil {
			i.log.Errorf("Failed to arm OOM listener for executor %s of framework %s: %v", executorID, frameworkID, err)
			prometheusmetrics.OOMListenErr.WithLabelValues("launchExecutor").Inc()
		} else {
			info.oom = listener
			go i.waitOOM(frameworkID, executorID, tag, listener)
		}
	}

	prometheusmetrics.ExecutorsLaunched.Inc()
	prometheusmetrics.ExecutorsIsolated.Inc()
	i.log.Infof("Launched executor %s of framework %s with pid %d in cgroup %s", executorID, frameworkID, pid, info.cgroup)
	return nil
}

// ResourcesChanged applies an updated allocation to a live executor.
// Handlers are idempotent, so replaying an allocation is safe.
func (i *Isolator) ResourcesChanged(ctx context.Context, frameworkID FrameworkID, executorID ExecutorID, resources []Resource) error {
	prometheusmetrics.IsolatorActionsInprogress.WithLabelValues("resourcesChanged").Inc()
	defer prometheusmetrics.IsolatorActionsInprogress.WithLabelValues("resourcesChanged").Dec()

	i.mu.Lock()
	defer i.mu.Unlock()

	info := i.lookup(frameworkID, executorID)
	if info == nil {
		prometheusmetrics.IsolatorErr.WithLabelValues("resourcesChanged").Inc()
		return errors.Errorf("isolation: unknown executor %s of framework %s", executorID, frameworkID)
	}
	if info.destroyed {
		i.log.Infof("Ignoring resource change for terminating executor %s of framework %s", executorID, frameworkID)
		return nil
	}

	for _, resource := range resources {
		if err := i.applyResource(info, resource); err != nil {
			prometheusmetrics.IsolatorErr.WithLabelValues("resourcesChanged").Inc()
			return err
		}
	}
	return nil
}

// abortLaunch backs out a half finished launch: the index entry goes away,
// any claimed CPUs return to the pool and the freshly created cgroup is
// destroyed in the background.
func (i *Isolator) abortLaunch(info *cgroupInfo) {
	prometheusmetrics.IsolatorErr.WithLabelValues("launchExecutor").Inc()
	if info.cpuset != nil && info.cpuset.Total() > 0 {
		if released, err := info.cpuset.Shrink(info.cpuset.Total()); err == nil {
			i.releaseCPUs(released)
		}
	}
	i.unregister(info.frameworkID, info.executorID)
	go func() {
		if err := i.destroyWithRetries(context.Background(), info.cgroup); err != nil {
			i.log.Errorf("Failed to destroy cgroup %s after aborted launch: %v", info.cgroup, err)
		}
	}()
}

func (i *Isolator) applyResource(info *cgroupInfo, resource Resource) error {
	handler, ok := i.handlers[resource.Name]
	if !ok {
		i.log.Debugf("No handler for resource %s, skipping", resource.Name)
		return nil
	}
	return handler(info, resource.Value)
}

// KillExecutor terminates an executor on request. The executor's cgroup is
// destroyed and the sink is notified once the destroy completes.
func (i *Isolator) KillExecutor(ctx context.Context, frameworkID FrameworkID, executorID ExecutorID) error {
	prometheusmetrics.IsolatorActionsInprogress.WithLabelValues("killExecutor").Inc()
	defer prometheusmetrics.IsolatorActionsInprogress.WithLabelValues("killExecutor").Dec()

	i.mu.Lock()
	defer i.mu.Unlock()

	info := i.lookup(frameworkID, executorID)
	if info == nil {
		prometheusmetrics.IsolatorErr.WithLabelValues("killExecutor").Inc()
		return errors.Errorf("isolation: unknown executor %s of framework %s", executorID, frameworkID)
	}
	info.killed = true
	if info.destroyed {
		return nil
	}
	info.reason = reasonKilled
	i.destroyLocked(info, statusUnknown, true, "kill")
	return nil
}

// ProcessExited handles a reaper notification for a tracked PID. An exit
// observed after the isolator already started destroying the cgroup is
// absorbed; the destroy continuation owns the upstream notification.
func (i *Isolator) ProcessExited(pid int, status int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	info := i.lookupByPid(pid)
	if info == nil {
		return
	}
	if info.destroyed {
		i.log.Debugf("Absorbing exit of pid %d, cgroup %s is already being destroyed", pid, info.cgroup)
		return
	}
	i.log.Infof("Executor %s of framework %s exited with status %d", info.executorID, info.frameworkID, status)
	info.reason = reasonExited
	i.destroyLocked(info, status, false, "exit")
}

// waitOOM runs as the continuation of one executor's OOM listener. It
// carries only the index key and the launch tag, so a delivery that races
// a kill or a relaunch of the same executor ids is a no-op.
func (i *Isolator) waitOOM(frameworkID FrameworkID, executorID ExecutorID, tag string, listener OOMListener) {
	if _, err := listener.Wait(context.Background()); err != nil {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	info := i.lookup(frameworkID, executorID)
	if info == nil || info.tag != tag || info.destroyed {
		return
	}
	i.log.Infof("Executor %s of framework %s reached its memory limit", executorID, frameworkID)
	if limit, err := i.cg.Read(i.cfg.Hierarchy, info.cgroup, "memory.limit_in_bytes"); err == nil {
		i.log.Infof("memory.limit_in_bytes of %s: %s", info.cgroup, limit)
	}
	info.killed = true
	info.reason = reasonOOM
	prometheusmetrics.ExecutorsOOMKilled.Inc()
	i.destroyLocked(info, statusUnknown, true, "oom")
}

// destroyLocked marks the info destroyed and spawns the destroyer. Callers
// hold the mutex; the destroyed flag guarantees at most one destroyer per
// executor, later termination signals observe it and back off.
func (i *Isolator) destroyLocked(info *cgroupInfo, status int, notifyDestroyed bool, trigger string) {
	info.destroyed = true
	if info.oom != nil {
		info.oom.Cancel()
		info.oom = nil
	}
	go i.destroy(info.frameworkID, info.executorID, info.tag, info.cgroup, status, notifyDestroyed, info.reason, trigger)
}

func (i *Isolator) destroy(frameworkID FrameworkID, executorID ExecutorID, tag string, cgroup string, status int, notifyDestroyed bool, reason string, trigger string) {
	if err := i.destroyWithRetries(context.Background(), cgroup); err != nil {
		// The info stays in the index, still marked destroyed, so the
		// executor remains visible; later kills and exits for it are no-ops.
		i.log.Errorf("Failed to destroy cgroup %s of executor %s, framework %s: %v", cgroup, executorID, frameworkID, err)
		prometheusmetrics.CgroupDestroyErr.WithLabelValues(trigger).Inc()
		return
	}

	i.mu.Lock()
	if info := i.lookup(frameworkID, executorID); info != nil && info.tag == tag {
		if info.cpuset != nil && info.cpuset.Total() > 0 {
			if released, err := info.cpuset.Shrink(info.cpuset.Total()); err == nil {
				i.releaseCPUs(released)
			}
		}
		i.unregister(frameworkID, executorID)
	}
	i.mu.Unlock()

	prometheusmetrics.CgroupsDestroyed.WithLabelValues(trigger).Inc()
	prometheusmetrics.ExecutorsIsolated.Dec()
	i.sink.ExecutorTerminated(frameworkID, executorID, status, notifyDestroyed, reason)
}

func (i *Isolator) destroyWithRetries(ctx context.Context, cgroup string) error {
	backoff := retry.NewSimpleBackoff(destroyBackoffMin, destroyBackoffMax, 0.2, 2)
	return retry.NWithBackoffCtx(ctx, backoff, i.cfg.DestroyRetries, func() error {
		return i.cg.Destroy(ctx, i.cfg.Hierarchy, cgroup, i.cfg.PollInterval)
	})
}

func (i *Isolator) lookup(frameworkID FrameworkID, executorID ExecutorID) *cgroupInfo {
	return i.executors[frameworkID][executorID]
}

func (i *Isolator) lookupByPid(pid int) *cgroupInfo {
	for _, byExecutor := range i.executors {
		for _, info := range byExecutor {
			if info.pid == pid {
				return info
			}
		}
	}
	return nil
}

func (i *Isolator) unregister(frameworkID FrameworkID, executorID ExecutorID) {
	delete(i.executors[frameworkID], executorID)
	if len(i.executors[frameworkID]) == 0 {
		delete(i.executors, frameworkID)
	}
}

func (i *Isolator) releaseCPUs(released map[int]float64) {
	for cpu, fraction := range released {
		i.cpus[cpu] -= fraction
		if i.cpus[cpu] < epsilon {
			i.cpus[cpu] = 0
		}
	}
	prometheusmetrics.CpusAllocated.Set(lo.Sum(lo.Values(i.cpus)))
}
