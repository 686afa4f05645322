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

// Package syncqueue is the Downstream Sync Enqueuer (DSE): it accepts a
// batch describing a folder that just received secret changes so that
// further propagation (cascading replication) or external-integration
// syncing occurs, per spec.md §2.4 and §6. It forwards the two dedup
// hint sets verbatim so cascading fan-out doesn't storm the queue.
package syncqueue

import (
	"context"

	"github.com/guided-traffic/replication-worker/internal/model"
)

// Message is the SyncSecrets queue payload, per spec.md §4.4 and §6.
type Message struct {
	ProjectID              string
	SecretPath             string
	EnvironmentSlug        string
	EnvironmentID          string
	FolderID               string
	Secrets                []model.AppliedChange
	Actor                  model.Actor
	ActorID                string
	DeDupeReplicationQueue []string
	DeDupeQueue            []string
}

// Enqueuer is the DSE contract.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg Message) error
}
