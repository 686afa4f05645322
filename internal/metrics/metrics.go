/*
Copyright 2025 Guided Traffic.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes the replication worker's Prometheus
// instrumentation. Promoted from an indirect controller-runtime
// dependency in the teacher to direct use here, since this worker has
// no controller-runtime metrics server to ride along on.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the worker's metric set, registered once per process.
type Recorder struct {
	JobsProcessed     *prometheus.CounterVec
	ImportsProcessed  *prometheus.CounterVec
	LockWaitSeconds   prometheus.Histogram
	ReplicationLagSec prometheus.Histogram
}

// NewRecorder creates and registers the worker's metrics against reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secret_replication",
			Name:      "jobs_processed_total",
			Help:      "Replication jobs processed, labeled by outcome.",
		}, []string{"outcome"}),
		ImportsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secret_replication",
			Name:      "imports_processed_total",
			Help:      "Per-import replication attempts, labeled by outcome.",
		}, []string{"outcome"}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "secret_replication",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire the per-job multi-key lock.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReplicationLagSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "secret_replication",
			Name:      "replication_lag_seconds",
			Help:      "Wall-clock time from job delivery to ProcessJob return, for every job outcome.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.JobsProcessed, r.ImportsProcessed, r.LockWaitSeconds, r.ReplicationLagSec)
	return r
}

// Noop returns a Recorder backed by a private registry, for tests and
// call sites that don't care about metrics wiring.
func Noop() *Recorder {
	return NewRecorder(prometheus.NewRegistry())
}
