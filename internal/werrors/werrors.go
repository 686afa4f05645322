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

// Package werrors defines the replication worker's error taxonomy.
// Each sentinel is a kind, not a concrete type: callers wrap it with
// fmt.Errorf("...: %w", Sentinel) and identify it downstream with
// errors.Is.
package werrors

import "errors"

var (
	// ErrImportedFolderMissing: the destination folder vanished between
	// subscriber discovery and path resolution. Per-import fatal.
	ErrImportedFolderMissing = errors.New("imported folder missing")

	// ErrMembershipMissing: the acting user has no project membership on
	// the approval path. Aborts the whole job.
	ErrMembershipMissing = errors.New("actor has no project membership")

	// ErrLockUnavailable: the KV multi-key lock could not be acquired
	// before its timeout. Job fails, no state written.
	ErrLockUnavailable = errors.New("replication lock unavailable")

	// ErrTransactionFailure: a PG transaction rolled back. Per-import fatal.
	ErrTransactionFailure = errors.New("persistence transaction failed")

	// ErrTransientCollaborator: any other PG/KV/APO/DSE failure. Per-import
	// fatal.
	ErrTransientCollaborator = errors.New("transient collaborator failure")
)

// Truncate returns the first n characters of s, used to bound the size of
// replicationStatus recorded on a SecretImport row after a per-import
// failure.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
