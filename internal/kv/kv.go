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

// Package kv is the Key-Value Store contract: a shared, process-external
// store providing a multi-key mutex with timeout and set-with-expiry
// idempotency markers, per spec.md §2.2 and §5. Everything in this
// namespace is ephemeral; PG remains the single source of truth.
package kv

import (
	"context"
	"fmt"
	"time"
)

// Namespace is the fixed KV namespace every key in this package lives
// under, per spec.md §6.
const Namespace = "SecretReplication"

// ReplicationLockPrefix namespaces the multi-key lock's individual keys.
const ReplicationLockPrefix = Namespace + ":lock:"

// LockKey returns the lock key for one replicated secret id.
func LockKey(secretID string) string {
	return ReplicationLockPrefix + secretID
}

// SuccessKey returns the idempotency marker key for one (jobID, importID)
// pair, per spec.md §4.6.
func SuccessKey(jobID, importID string) string {
	return fmt.Sprintf("%s:success:%s:%s", Namespace, jobID, importID)
}

// Lock is a held multi-key mutex. Release is idempotent and safe to call
// on every exit path, including after a failed Renew.
type Lock interface {
	Renew(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Store is the KV contract the replication worker depends on.
type Store interface {
	// AcquireLock atomically locks every key in keys or none of them,
	// waiting up to wait before giving up.
	AcquireLock(ctx context.Context, keys []string, ttl, wait time.Duration) (Lock, error)

	// MarkSuccess sets the idempotency marker for (jobID, importID) with
	// the given TTL, per spec.md §4.2g.
	MarkSuccess(ctx context.Context, jobID, importID string, ttl time.Duration) error

	// HasSucceeded reports whether the idempotency marker for
	// (jobID, importID) is still present, per spec.md §4.2a.
	HasSucceeded(ctx context.Context, jobID, importID string) (bool, error)
}
