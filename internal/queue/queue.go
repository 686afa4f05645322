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

// Package queue is the Queue Runtime (QR): it hosts the worker,
// delivers ReplicationJob messages, emits failed notifications, and
// supports enqueue/cancellation of specific jobs, per spec.md §2.5 and
// §6. The delivery primitive is k8s.io/client-go/util/workqueue's typed
// rate-limiting queue — the same structure the teacher's controllers get
// for free from controller-runtime's manager, generalized here from
// Kubernetes reconcile.Request delivery to ReplicationJob delivery.
package queue

import (
	"context"
	"sync"

	"k8s.io/client-go/util/workqueue"

	"github.com/guided-traffic/replication-worker/internal/model"
)

// Handler processes one delivered ReplicationJob. Returning an error
// causes the job to be redelivered per the rate limiter's policy;
// returning nil acks the job.
type Handler func(ctx context.Context, job *model.ReplicationJob) error

// FailedEvent is emitted on the failed channel for a job whose handler
// still returned an error after maxRetries redeliveries, per spec.md §4.7.
type FailedEvent struct {
	Job *model.ReplicationJob
	Err error
}

// Runtime is an in-process Queue Runtime. It delivers only the jobs
// handed to Enqueue; nothing in this module feeds it from Redis or any
// other process-external queue.
type Runtime struct {
	queue workqueue.TypedRateLimitingInterface[string]
	mu    sync.Mutex
	jobs  map[string]*model.ReplicationJob
	cancels map[string]context.CancelFunc

	failed chan FailedEvent
}

// NewRuntime builds a Queue Runtime with the default exponential
// back-off rate limiter.
func NewRuntime() *Runtime {
	return &Runtime{
		queue:   workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[string]()),
		jobs:    make(map[string]*model.ReplicationJob),
		cancels: make(map[string]context.CancelFunc),
		failed:  make(chan FailedEvent, 64),
	}
}

// Enqueue delivers job for processing. Re-enqueuing the same JobID before
// it is processed replaces the pending payload (queue coalescing, per
// spec.md §4.1 step 2's note that "the queue may coalesce duplicates").
func (r *Runtime) Enqueue(job *model.ReplicationJob) {
	r.mu.Lock()
	r.jobs[job.JobID] = job
	r.mu.Unlock()
	r.queue.Add(job.JobID)
}

// StopJobByID cancels a specific in-flight job's context, per spec.md
// §5's cooperative cancellation contract. It is a no-op if the job is
// not currently running.
func (r *Runtime) StopJobByID(jobID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Failed returns the channel the `failed` listener reads from.
func (r *Runtime) Failed() <-chan FailedEvent {
	return r.failed
}

// ShutDown stops accepting new work and unblocks any Run loops.
func (r *Runtime) ShutDown() {
	r.queue.ShutDown()
}

// Run processes jobs with handler until ShutDown is called. ctx is the
// parent of each job's context; cancelling it does not end the loop,
// which keeps waiting on the queue until ShutDown. Multiple Run goroutines may share one Runtime for in-process
// worker concurrency across distinct jobs (spec.md §5's "queue runtime
// may run multiple workers in parallel").
func (r *Runtime) Run(ctx context.Context, handler Handler) {
	for {
		jobID, shutdown := r.queue.Get()
		if shutdown {
			return
		}
		r.process(ctx, jobID, handler)
	}
}

func (r *Runtime) process(ctx context.Context, jobID string, handler Handler) {
	defer r.queue.Done(jobID)

	r.mu.Lock()
	job, ok := r.jobs[jobID]
	jobCtx, cancel := context.WithCancel(ctx)
	r.cancels[jobID] = cancel
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, jobID)
		r.mu.Unlock()
	}()

	if !ok {
		// Already processed and evicted, or cancelled before delivery.
		r.queue.Forget(jobID)
		return
	}

	err := handler(jobCtx, job)
	if err == nil {
		r.queue.Forget(jobID)
		r.mu.Lock()
		delete(r.jobs, jobID)
		r.mu.Unlock()
		return
	}

	if r.queue.NumRequeues(jobID) >= maxRetries {
		r.queue.Forget(jobID)
		r.mu.Lock()
		delete(r.jobs, jobID)
		r.mu.Unlock()
		select {
		case r.failed <- FailedEvent{Job: job, Err: err}:
		default:
		}
		return
	}

	r.queue.AddRateLimited(jobID)
}

// maxRetries bounds queue-runtime-level redelivery before a job is
// surfaced on the failed channel, per spec.md §7's "the queue runtime's
// retry policy governs re-delivery".
const maxRetries = 5
