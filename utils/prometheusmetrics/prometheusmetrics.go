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

package prometheusmetrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/windlass-sched/windlass/pkg/utils/logger"
	"github.com/windlass-sched/windlass/pkg/utils/retry"
)

var log = logger.Get()

var (
	IsolatorErr = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windlass_isolator_error_count",
			Help: "The number of errors encountered by the isolation module",
		},
		[]string{"fn"},
	)
	IsolatorActionsInprogress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "windlass_isolator_action_inprogress",
			Help: "The number of isolation module actions in progress",
		},
		[]string{"fn"},
	)
	ExecutorsIsolated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "windlass_executors_isolated",
			Help: "The number of executors currently isolated in cgroups",
		},
	)
	ExecutorsLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "windlass_executors_launched_count",
			Help: "The number of executors launched since agent start",
		},
	)
	ExecutorsOOMKilled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "windlass_executors_oom_killed_count",
			Help: "The number of executors terminated after reaching their memory limit",
		},
	)
	CgroupsDestroyed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windlass_cgroups_destroyed_count",
			Help: "The number of cgroups destroyed, partitioned by trigger",
		},
		[]string{"reason"},
	)
	CgroupDestroyErr = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windlass_cgroup_destroy_error_count",
			Help: "The number of failed cgroup destroy attempts",
		},
		[]string{"fn"},
	)
	FreezeRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "windlass_freeze_retry_count",
			Help: "The number of freezer state polls that found the cgroup still freezing",
		},
	)
	OrphansCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "windlass_orphan_cgroups_cleaned_count",
			Help: "The number of orphaned executor cgroups removed during recovery",
		},
	)
	CpusAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "windlass_cpus_allocated",
			Help: "The number of CPUs currently pinned to executor cpusets",
		},
	)
	OOMListenErr = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "windlass_oom_listen_error_count",
			Help: "The number of errors establishing memory pressure notifications",
		},
		[]string{"fn"},
	)
)

// ServeMetrics sets up the agent metrics endpoint
func ServeMetrics(metricsPort int) {
	log.Infof("Serving metrics on port %d", metricsPort)
	server := SetupMetricsServer(metricsPort)
	for {
		once := sync.Once{}
		_ = retry.WithBackoff(retry.NewSimpleBackoff(time.Second, time.Minute, 0.2, 2), func() error {
			err := server.ListenAndServe()
			once.Do(func() {
				log.Warnf("Error running http API: %v", err)
			})
			return err
		})
	}
}

func SetupMetricsServer(metricsPort int) *http.Server {
	serveMux := http.NewServeMux()
	serveMux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(metricsPort),
		Handler:      serveMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return server
}

func PrometheusRegister() {
	prometheus.MustRegister(IsolatorErr)
	prometheus.MustRegister(IsolatorActionsInprogress)
	prometheus.MustRegister(ExecutorsIsolated)
	prometheus.MustRegister(ExecutorsLaunched)
	prometheus.MustRegister(ExecutorsOOMKilled)
	prometheus.MustRegister(CgroupsDestroyed)
	prometheus.MustRegister(CgroupDestroyErr)
	prometheus.MustRegister(FreezeRetries)
	prometheus.MustRegister(OrphansCleaned)
	prometheus.MustRegister(CpusAllocated)
	prometheus.MustRegister(OOMListenErr)
}
