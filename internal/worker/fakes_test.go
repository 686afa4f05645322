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

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guided-traffic/replication-worker/internal/approval"
	"github.com/guided-traffic/replication-worker/internal/kv"
	"github.com/guided-traffic/replication-worker/internal/model"
	"github.com/guided-traffic/replication-worker/internal/pg"
	"github.com/guided-traffic/replication-worker/internal/syncqueue"
)

// fakePG is an in-memory stand-in for the Persistence Gateway, acting as
// both Gateway and Tx (its transactions are not atomic in the test
// double, which is fine: nothing here exercises rollback semantics
// beyond returning the injected error unchanged).
type fakePG struct {
	mu sync.Mutex

	imports        []model.SecretImport
	versions       []model.SecretVersion
	paths          map[string]model.ExternalFolderPath
	reserved       map[string]*model.Folder // keyed by parentID+"/"+name
	secrets        map[string]model.Secret  // keyed by id
	memberships    map[string]model.ProjectMembership

	approvalRequests []model.ApprovalRequest
	approvalSecrets  []model.ApprovalRequestSecret

	importStatus map[string]importStatus
	markedReplicated map[string]bool

	// failCreateForFolder, when non-empty, makes BulkCreateSecrets fail
	// for that reserved folder id, simulating S6's partial PG failure.
	failCreateForFolder string
}

type importStatus struct {
	lastReplicated int64
	status         *string
	success        bool
}

func newFakePG() *fakePG {
	return &fakePG{
		paths:            make(map[string]model.ExternalFolderPath),
		reserved:         make(map[string]*model.Folder),
		secrets:          make(map[string]model.Secret),
		memberships:      make(map[string]model.ProjectMembership),
		importStatus:     make(map[string]importStatus),
		markedReplicated: make(map[string]bool),
	}
}

func (f *fakePG) FindReplicationImports(ctx context.Context, importPath, importEnv string, pickOnly map[string]struct{}) ([]model.SecretImport, error) {
	var out []model.SecretImport
	for _, imp := range f.imports {
		if !imp.IsReplication || imp.ImportPath != importPath || imp.ImportEnv != importEnv {
			continue
		}
		if len(pickOnly) > 0 {
			if _, ok := pickOnly[imp.ID]; !ok {
				continue
			}
		}
		out = append(out, imp)
	}
	return out, nil
}

func (f *fakePG) FindSecretVersions(ctx context.Context, folderID string, secretIDs []string) ([]model.SecretVersion, error) {
	want := make(map[string]struct{}, len(secretIDs))
	for _, id := range secretIDs {
		want[id] = struct{}{}
	}
	var out []model.SecretVersion
	for _, v := range f.versions {
		if _, ok := want[v.SecretID]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakePG) FindSecretPathByFolderIDs(ctx context.Context, projectID string, folderIDs []string) (map[string]model.ExternalFolderPath, error) {
	out := make(map[string]model.ExternalFolderPath)
	for _, id := range folderIDs {
		if p, ok := f.paths[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakePG) FindReservedFolder(ctx context.Context, parentID, name string) (*model.Folder, error) {
	return f.reserved[parentID+"/"+name], nil
}

func (f *fakePG) CreateReservedFolder(ctx context.Context, parentID, envID, name string) (*model.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := parentID + "/" + name
	if existing, ok := f.reserved[key]; ok {
		return existing, nil
	}
	folder := &model.Folder{ID: uuid.NewString(), EnvID: envID, ParentID: &parentID, IsReserved: true, Name: name}
	f.reserved[key] = folder
	return folder, nil
}

func (f *fakePG) FindSecretsByBlindIndexes(ctx context.Context, folderID string, blindIndexes []string) ([]model.Secret, error) {
	want := make(map[string]struct{}, len(blindIndexes))
	for _, bi := range blindIndexes {
		want[bi] = struct{}{}
	}
	var out []model.Secret
	for _, s := range f.secrets {
		if s.FolderID != folderID || s.SecretBlindIndex == nil {
			continue
		}
		if _, ok := want[*s.SecretBlindIndex]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakePG) FindLatestVersionsBySecretIDs(ctx context.Context, folderID string, secretIDs []string) (map[string]model.SecretVersion, error) {
	out := make(map[string]model.SecretVersion)
	for _, id := range secretIDs {
		if s, ok := f.secrets[id]; ok {
			out[id] = model.SecretVersion{ID: "version-" + id, SecretID: id, Version: s.Version}
		}
	}
	return out, nil
}

func (f *fakePG) FindProjectMembership(ctx context.Context, projectID, userID string) (*model.ProjectMembership, error) {
	if m, ok := f.memberships[projectID+"/"+userID]; ok {
		return &m, nil
	}
	return nil, nil
}

func (f *fakePG) MarkVersionsReplicated(ctx context.Context, versionIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range versionIDs {
		f.markedReplicated[id] = true
	}
	return nil
}

func (f *fakePG) UpdateImportSuccess(ctx context.Context, importID string, lastReplicated int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.importStatus[importID] = importStatus{lastReplicated: lastReplicated, status: nil, success: true}
	return nil
}

func (f *fakePG) UpdateImportFailure(ctx context.Context, importID string, lastReplicated int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := message
	f.importStatus[importID] = importStatus{lastReplicated: lastReplicated, status: &msg, success: false}
	return nil
}

func (f *fakePG) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pg.Tx) error) error {
	return fn(ctx, f)
}

func (f *fakePG) BulkCreateSecrets(ctx context.Context, folderID string, ops []pg.CreateOp) ([]model.AppliedChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateForFolder != "" && f.failCreateForFolder == folderID {
		return nil, fmt.Errorf("simulated bulk insert failure")
	}
	var out []model.AppliedChange
	for _, op := range ops {
		id := uuid.NewString()
		bi := op.BlindIndex
		f.secrets[id] = model.Secret{
			ID: id, FolderID: folderID, SecretBlindIndex: &bi, Type: model.SecretTypeShared,
			Version: 1, IsReplicated: true,
			KeyEncoding: op.Source.KeyEncoding, Algorithm: op.Source.Algorithm, Metadata: op.Source.Metadata,
			SkipMultilineEncoding:   op.Source.SkipMultilineEncoding,
			SecretKeyCiphertext:     op.Source.SecretKeyCiphertext,
			SecretValueCiphertext:   op.Source.SecretValueCiphertext,
			SecretCommentCiphertext: op.Source.SecretCommentCiphertext,
		}
		out = append(out, model.AppliedChange{ID: id, Version: 1, Operation: model.OpCreate})
	}
	return out, nil
}

func (f *fakePG) BulkUpdateSecrets(ctx context.Context, folderID string, ops []pg.UpdateOp) ([]model.AppliedChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AppliedChange
	for _, op := range ops {
		existing, ok := f.secrets[op.LocalSecretID]
		if !ok {
			continue
		}
		existing.Version++
		existing.KeyEncoding = op.Source.KeyEncoding
		existing.Algorithm = op.Source.Algorithm
		existing.Metadata = op.Source.Metadata
		existing.SecretKeyCiphertext = op.Source.SecretKeyCiphertext
		existing.SecretValueCiphertext = op.Source.SecretValueCiphertext
		existing.SecretCommentCiphertext = op.Source.SecretCommentCiphertext
		f.secrets[op.LocalSecretID] = existing
		out = append(out, model.AppliedChange{ID: op.LocalSecretID, Version: existing.Version, Operation: model.OpUpdate})
	}
	return out, nil
}

func (f *fakePG) DeleteSecrets(ctx context.Context, folderID string, localIDs []string) ([]model.AppliedChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AppliedChange
	for _, id := range localIDs {
		existing, ok := f.secrets[id]
		if !ok || existing.FolderID != folderID || !existing.IsReplicated {
			continue
		}
		delete(f.secrets, id)
		out = append(out, model.AppliedChange{ID: id, Version: existing.Version, Operation: model.OpDelete})
	}
	return out, nil
}

func (f *fakePG) InsertApprovalRequest(ctx context.Context, req model.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvalRequests = append(f.approvalRequests, req)
	return nil
}

func (f *fakePG) InsertApprovalRequestSecrets(ctx context.Context, secrets []model.ApprovalRequestSecret) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvalSecrets = append(f.approvalSecrets, secrets...)
	return nil
}

// fakeKV is an in-memory stand-in for the Key-Value Store.
type fakeKV struct {
	mu       sync.Mutex
	locked   map[string]struct{}
	success  map[string]struct{}
	denyLock bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{locked: make(map[string]struct{}), success: make(map[string]struct{})}
}

func (f *fakeKV) AcquireLock(ctx context.Context, keys []string, ttl, wait time.Duration) (kv.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyLock {
		return nil, fmt.Errorf("lock denied")
	}
	for _, k := range keys {
		if _, ok := f.locked[k]; ok {
			return nil, fmt.Errorf("key already locked: %s", k)
		}
	}
	for _, k := range keys {
		f.locked[k] = struct{}{}
	}
	return &fakeLock{store: f, keys: keys}, nil
}

func (f *fakeKV) MarkSuccess(ctx context.Context, jobID, importID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success[kv.SuccessKey(jobID, importID)] = struct{}{}
	return nil
}

func (f *fakeKV) HasSucceeded(ctx context.Context, jobID, importID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.success[kv.SuccessKey(jobID, importID)]
	return ok, nil
}

type fakeLock struct {
	store *fakeKV
	keys  []string
}

func (l *fakeLock) Renew(ctx context.Context, ttl time.Duration) error { return nil }

func (l *fakeLock) Release(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	for _, k := range l.keys {
		delete(l.store.locked, k)
	}
	return nil
}

// fakeAPO is an in-memory stand-in for the Approval Policy Oracle.
type fakeAPO struct {
	policies map[string]*approval.Policy
}

func newFakeAPO() *fakeAPO { return &fakeAPO{policies: make(map[string]*approval.Policy)} }

func (f *fakeAPO) ResolvePolicy(ctx context.Context, projectID, environmentSlug, folderPath string) (*approval.Policy, error) {
	return f.policies[projectID+"/"+environmentSlug+"/"+folderPath], nil
}

// fakeDSE is an in-memory stand-in for the Downstream Sync Enqueuer.
type fakeDSE struct {
	mu       sync.Mutex
	messages []syncqueue.Message
}

func newFakeDSE() *fakeDSE { return &fakeDSE{} }

func (f *fakeDSE) Enqueue(ctx context.Context, msg syncqueue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}
