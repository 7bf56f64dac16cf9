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

// The windlass agent binary
package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/windlass-sched/windlass/pkg/cgroups"
	"github.com/windlass-sched/windlass/pkg/config"
	"github.com/windlass-sched/windlass/pkg/isolation"
	"github.com/windlass-sched/windlass/pkg/procfs"
	"github.com/windlass-sched/windlass/pkg/reaper"
	"github.com/windlass-sched/windlass/pkg/unixwrapper"
	"github.com/windlass-sched/windlass/pkg/utils/logger"
	metrics "github.com/windlass-sched/windlass/utils/prometheusmetrics"
)

func main() {
	os.Exit(_main())
}

func _main() int {
	// Do not add anything before initializing logger
	log := logger.Get()

	cfg := config.Load()
	fs := pflag.NewFlagSet("windlass-agent", pflag.ExitOnError)
	cfg.BindFlags(fs)
	executorCommand := fs.StringSlice("executor-command", nil, "command an executor launch runs")
	local := fs.Bool("local", false, "run without isolation (unsupported with cgroups)")
	_ = fs.Parse(os.Args[1:])

	log.Infof("Starting windlass agent ...")

	if !cfg.DisableMetrics {
		metrics.PrometheusRegister()
		go metrics.ServeMetrics(cfg.MetricsPort)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cg := cgroups.New(unixwrapper.NewUnix(), procfs.NewProcFS())
	reap := reaper.New()
	launcher := &commandLauncher{command: *executorCommand, log: log}
	isolator := isolation.New(cfg, isolation.NewDriver(cg), procfs.NewProcFS(),
		launcher, reap, &loggingSink{log: log}, *local)

	if err := isolator.Initialize(ctx); err != nil {
		log.Errorf("Initialization failure: %v", err)
		return 1
	}

	reap.Subscribe(isolator)
	go reap.Run(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	sig := <-sigs
	log.Infof("Received %s, shutting down", sig)
	return 0
}

// commandLauncher starts the configured executor command in the requested
// working directory. The child is not waited on here; the reaper collects
// its exit status.
type commandLauncher struct {
	command []string
	log     logger.Logger
}

func (l *commandLauncher) Launch(frameworkID isolation.FrameworkID, executorID isolation.ExecutorID, workDir string) (int, error) {
	if len(l.command) == 0 {
		return 0, errors.New("no executor command configured")
	}
	cmd := exec.Command(l.command[0], l.command[1:]...)
	cmd.Dir = workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	l.log.Infof("Started executor %s of framework %s as pid %d", executorID, frameworkID, cmd.Process.Pid)
	return cmd.Process.Pid, nil
}

// loggingSink stands in for the scheduler connection.
type loggingSink struct {
	log logger.Logger
}

func (s *loggingSink) ExecutorTerminated(frameworkID isolation.FrameworkID, executorID isolation.ExecutorID, status int, destroyed bool, reason string) {
	s.log.Infof("Executor %s of framework %s terminated: status=%d destroyed=%t reason=%q",
		executorID, frameworkID, status, destroyed, reason)
}
