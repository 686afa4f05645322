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

// Package model holds the plain data types shared by every replication
// collaborator (PG, KV, APO, DSE, the worker). None of these types carry
// behavior beyond small predicates; the orchestration lives in
// internal/worker and internal/diff.
package model

import "time"

// Ciphertext is an opaque, already-encrypted triple. Values pass through
// this module verbatim; nothing here ever sees plaintext.
type Ciphertext struct {
	IV         string
	Tag        string
	Ciphertext string
}

// SecretType distinguishes shared secrets (replication-eligible) from
// personal ones (never replicated).
type SecretType string

const (
	SecretTypeShared   SecretType = "shared"
	SecretTypePersonal SecretType = "personal"
)

// Operation is the classified or requested action against a secret.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Actor identifies who triggered a replication job.
type Actor string

const (
	ActorUser    Actor = "user"
	ActorService Actor = "service"
)

// Folder is a secrets folder. A reserved folder hosts replicated secrets
// for exactly one SecretImport; its Name encodes the owning import id.
type Folder struct {
	ID         string
	EnvID      string
	ParentID   *string
	Path       string
	IsReserved bool
	Name       string
}

// SecretImport is a subscription from a destination folder to a source
// (ImportEnv, ImportPath). It is eligible for replication iff IsReplication.
type SecretImport struct {
	ID                   string
	FolderID             string // destination
	ImportPath           string
	ImportEnv            string
	IsReplication        bool
	LastReplicated       *time.Time
	ReplicationStatus    *string
	IsReplicationSuccess *bool
}

// Secret is a folder-scoped secret. Within one folder, (SecretBlindIndex,
// Type=shared) is unique.
type Secret struct {
	ID                     string
	FolderID               string
	SecretBlindIndex       *string
	Type                   SecretType
	Version                int
	IsReplicated           bool
	KeyEncoding            string
	Algorithm              string
	Metadata               map[string]string
	SkipMultilineEncoding  bool
	SecretKeyCiphertext    Ciphertext
	SecretValueCiphertext  Ciphertext
	SecretCommentCiphertext Ciphertext
}

// SecretVersion is a point-in-time snapshot of a Secret. LatestReplicatedVersion
// records the highest source version already propagated from this secret.
type SecretVersion struct {
	ID                      string
	SecretID                string
	Version                 int
	LatestReplicatedVersion int
	IsReplicated            bool
	SecretBlindIndex        *string
	Type                    SecretType
	KeyEncoding             string
	Algorithm               string
	Metadata                map[string]string
	SkipMultilineEncoding   bool
	SecretKeyCiphertext     Ciphertext
	SecretValueCiphertext   Ciphertext
	SecretCommentCiphertext Ciphertext
}

// JobSecret is one entry of a ReplicationJob's secret list.
type JobSecret struct {
	ID        string
	Operation Operation
}

// ReplicationJob is the SecretReplication queue payload.
type ReplicationJob struct {
	JobID                  string
	Secrets                []JobSecret
	FolderID               string // source folder
	SecretPath             string
	EnvironmentID          string
	ProjectID              string
	ActorID                string
	Actor                  Actor
	PickOnlyImportIDs      map[string]struct{}
	DeDupeReplicationQueue []string
	DeDupeQueue            []string
}

// ApprovalRequestStatus is the lifecycle state of an ApprovalRequest.
type ApprovalRequestStatus string

const (
	ApprovalStatusOpen   ApprovalRequestStatus = "open"
	ApprovalStatusClosed ApprovalRequestStatus = "closed"
	ApprovalStatusMerged ApprovalRequestStatus = "merged"
)

// ApprovalRequest gates a batch of classified changes behind an external
// approval workflow instead of writing them directly.
type ApprovalRequest struct {
	ID          string
	FolderID    string // destination replication folder
	Slug        string
	PolicyID    string
	Status      ApprovalRequestStatus
	HasMerged   bool
	CommitterID string
	IsReplicated bool
}

// ApprovalRequestSecret is one classified change pending inside an
// ApprovalRequest.
type ApprovalRequestSecret struct {
	RequestID               string
	Op                      Operation
	SecretBlindIndex        string
	IsReplicated            bool
	KeyEncoding             string
	Algorithm               string
	Metadata                map[string]string
	SkipMultilineEncoding   bool
	SecretKeyCiphertext     Ciphertext
	SecretValueCiphertext   Ciphertext
	SecretCommentCiphertext Ciphertext
	// SecretID/SecretVersionID are set for non-Create ops, pointing at the
	// local (replica) secret and its latest version.
	SecretID        *string
	SecretVersionID *string
}

// ExternalFolderPath is the caller-facing identity of a folder, resolved
// via PG.FindSecretPathByFolderIDs.
type ExternalFolderPath struct {
	FolderID         string
	EnvID            string
	EnvironmentSlug  string
	Path             string
}

// ProjectMembership is a user's standing within a project; the approval
// path requires one to exist for the job's actor.
type ProjectMembership struct {
	ID        string
	ProjectID string
	UserID    string
}

// AppliedChange is one (id, version, operation) triple produced by the
// direct write path, forwarded to the downstream sync enqueuer.
type AppliedChange struct {
	ID        string
	Version   int
	Operation Operation
}

// ReservedFolderPrefix is the stable, parseable prefix of reserved folder
// names. External collaborators may rely on it to identify reserved folders.
const ReservedFolderPrefix = "__reserve_replication_"

// ReservedFolderName returns the name of the reserved child folder that
// hosts replicated secrets for the given import.
func ReservedFolderName(importID string) string {
	return ReservedFolderPrefix + importID
}
