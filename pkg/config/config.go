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

// Package config loads the agent configuration from environment variables,
// optionally overridden by command line flags.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/windlass-sched/windlass/utils"
)

const (
	envHierarchy      = "WINDLASS_CGROUPS_HIERARCHY"
	envSubsystems     = "WINDLASS_CGROUPS_SUBSYSTEMS"
	envCgroupsRoot    = "WINDLASS_CGROUPS_ROOT"
	envDisableMetrics = "DISABLE_METRICS"
	envMetricsPort    = "METRICS_PORT"

	defaultHierarchy   = "/sys/fs/cgroup/windlass"
	defaultSubsystems  = "cpu,memory,freezer"
	defaultCgroupsRoot = "mesos"
	defaultMetricsPort = 61680

	// Polling cadence for freezer state transitions and empty checks.
	defaultPollInterval   = 100 * time.Millisecond
	defaultDestroyRetries = 3
)

// Config holds the agent settings.
type Config struct {
	// Hierarchy is the mount point of the cgroups hierarchy the agent owns.
	Hierarchy string
	// Subsystems is the comma separated list of subsystems to co-mount.
	Subsystems string
	// CgroupsRoot is the umbrella cgroup all executor cgroups nest under.
	CgroupsRoot string

	DisableMetrics bool
	MetricsPort    int

	PollInterval   time.Duration
	DestroyRetries int
}

// Load reads the configuration from the environment.
func Load() *Config {
	metricsPort, _, _ := utils.GetIntFromStringEnvVar(envMetricsPort, defaultMetricsPort)
	if metricsPort < 0 {
		metricsPort = defaultMetricsPort
	}
	return &Config{
		Hierarchy:      utils.GetEnv(envHierarchy, defaultHierarchy),
		Subsystems:     utils.GetEnv(envSubsystems, defaultSubsystems),
		CgroupsRoot:    utils.GetEnv(envCgroupsRoot, defaultCgroupsRoot),
		DisableMetrics: utils.GetBoolAsStringEnvVar(envDisableMetrics, false),
		MetricsPort:    metricsPort,
		PollInterval:   defaultPollInterval,
		DestroyRetries: defaultDestroyRetries,
	}
}

// BindFlags registers flag overrides for the environment derived settings.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Hierarchy, "cgroups-hierarchy", c.Hierarchy, "mount point of the agent cgroups hierarchy")
	fs.StringVar(&c.Subsystems, "cgroups-subsystems", c.Subsystems, "comma separated subsystems to co-mount")
	fs.StringVar(&c.CgroupsRoot, "cgroups-root", c.CgroupsRoot, "umbrella cgroup for executor cgroups")
	fs.BoolVar(&c.DisableMetrics, "disable-metrics", c.DisableMetrics, "disable the prometheus metrics endpoint")
	fs.IntVar(&c.MetricsPort, "metrics-port", c.MetricsPort, "port for the prometheus metrics endpoint")
}

// SubsystemList splits the configured subsystems, dropping empty entries.
func (c *Config) SubsystemList() []string {
	var out []string
	for _, s := range strings.Split(c.Subsystems, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
