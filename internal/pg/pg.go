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

// Package pg is the Persistence Gateway: the worker's only view of
// secrets, secret versions, folders, imports, approval requests and
// memberships. Gateway is the contract; PgxGateway is the concrete
// jackc/pgx/v5 implementation, grounded on the teacher's
// client.Client-as-field embedding pattern
// (internal/controller.SecretReconciler embeds client.Client) —
// here internal/worker embeds Gateway the same way.
package pg

import (
	"context"

	"github.com/guided-traffic/replication-worker/internal/model"
)

// Gateway is every PG capability the replication worker needs, per
// spec.md §6.
type Gateway interface {
	// FindReplicationImports returns every SecretImport subscribed to
	// (importPath, importEnv) with IsReplication = true, intersected with
	// pickOnly when non-empty.
	FindReplicationImports(ctx context.Context, importPath, importEnv string, pickOnly map[string]struct{}) ([]model.SecretImport, error)

	// FindSecretVersions re-reads the current SecretVersion rows for
	// (folderID, secretIDs), since earlier queued jobs may have already
	// advanced the source.
	FindSecretVersions(ctx context.Context, folderID string, secretIDs []string) ([]model.SecretVersion, error)

	// FindSecretPathByFolderIDs resolves the external-facing identity of a
	// set of folders, keyed by folder id.
	FindSecretPathByFolderIDs(ctx context.Context, projectID string, folderIDs []string) (map[string]model.ExternalFolderPath, error)

	// FindReservedFolder looks up the reserved child of parentID named
	// name, returning nil (no error) if absent.
	FindReservedFolder(ctx context.Context, parentID, name string) (*model.Folder, error)

	// CreateReservedFolder creates the reserved child folder for an import.
	CreateReservedFolder(ctx context.Context, parentID, envID, name string) (*model.Folder, error)

	// FindSecretsByBlindIndexes reads local (replica) secrets in folderID
	// matching any of blindIndexes.
	FindSecretsByBlindIndexes(ctx context.Context, folderID string, blindIndexes []string) ([]model.Secret, error)

	// FindLatestVersionsBySecretIDs returns the latest SecretVersion per
	// local secret id in folderID, for the approval path's snapshot.
	FindLatestVersionsBySecretIDs(ctx context.Context, folderID string, secretIDs []string) (map[string]model.SecretVersion, error)

	// FindProjectMembership returns the membership for (projectID, userID),
	// or nil if absent.
	FindProjectMembership(ctx context.Context, projectID, userID string) (*model.ProjectMembership, error)

	// MarkVersionsReplicated sets isReplicated = true on every given
	// SecretVersion id, run after the per-import loop regardless of outcome.
	MarkVersionsReplicated(ctx context.Context, versionIDs []string) error

	// UpdateImportSuccess records a successful per-import attempt.
	UpdateImportSuccess(ctx context.Context, importID string, lastReplicated int64) error

	// UpdateImportFailure records a failed per-import attempt with a
	// truncated error message.
	UpdateImportFailure(ctx context.Context, importID string, lastReplicated int64, message string) error

	// WithTransaction scopes a set of writes atomically, per spec.md §6's
	// shared `transaction(tx -> ...)` primitive.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of writes available inside a PG transaction.
type Tx interface {
	// BulkCreateSecrets inserts new secrets into folderID, copying
	// ciphertext and metadata fields from each op's source doc, plus
	// writing the initial secret version. Returns one AppliedChange per op.
	BulkCreateSecrets(ctx context.Context, folderID string, ops []CreateOp) ([]model.AppliedChange, error)

	// BulkUpdateSecrets overwrites the local secret identified by
	// (folderID, localID) and appends a new version. Returns one
	// AppliedChange per op.
	BulkUpdateSecrets(ctx context.Context, folderID string, ops []UpdateOp) ([]model.AppliedChange, error)

	// DeleteSecrets deletes local secrets matching
	// {id IN localIDs, isReplicated = true, folderId = folderID}. Returns
	// one AppliedChange per id actually deleted.
	DeleteSecrets(ctx context.Context, folderID string, localIDs []string) ([]model.AppliedChange, error)

	// InsertApprovalRequest inserts one ApprovalRequest row.
	InsertApprovalRequest(ctx context.Context, req model.ApprovalRequest) error

	// InsertApprovalRequestSecrets inserts the classified-op children of
	// an ApprovalRequest.
	InsertApprovalRequestSecrets(ctx context.Context, secrets []model.ApprovalRequestSecret) error
}

// CreateOp is the input to Tx.BulkCreateSecrets: the source doc to copy
// into the reserved folder as a brand-new secret.
type CreateOp struct {
	BlindIndex string
	Source     model.SecretVersion
}

// UpdateOp is the input to Tx.BulkUpdateSecrets: the local secret id to
// overwrite with the source doc's fields.
type UpdateOp struct {
	LocalSecretID string
	BlindIndex    string
	Source        model.SecretVersion
}
