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

// Package worker is the Replication Worker (RW): the orchestrator that
// consumes ReplicationJobs off the queue runtime and coordinates the
// Persistence Gateway, Key-Value Store, Approval Policy Oracle and
// Downstream Sync Enqueuer to produce the replication effects. It is
// grounded on the teacher's SecretReplicatorReconciler.Reconcile
// (internal/controller/secret_replicator_controller.go): the same
// fetch-classify-act-record shape, generalized from a single Secret
// object to a batch ReplicationJob.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/guided-traffic/replication-worker/internal/approval"
	"github.com/guided-traffic/replication-worker/internal/diff"
	"github.com/guided-traffic/replication-worker/internal/idgen"
	"github.com/guided-traffic/replication-worker/internal/kv"
	"github.com/guided-traffic/replication-worker/internal/metrics"
	"github.com/guided-traffic/replication-worker/internal/model"
	"github.com/guided-traffic/replication-worker/internal/pg"
	"github.com/guided-traffic/replication-worker/internal/syncqueue"
	"github.com/guided-traffic/replication-worker/internal/werrors"
)

// Worker is the Replication Worker. The PG, KV, APO and DSE fields are
// collaborator interfaces, matching the teacher's pattern of embedding client.Client
// on SecretReconciler/SecretReplicatorReconciler rather than depending
// on a concrete driver.
type Worker struct {
	PG  pg.Gateway
	KV  kv.Store
	APO approval.Oracle
	DSE syncqueue.Enqueuer

	Log     logr.Logger
	Metrics *metrics.Recorder

	// LockTTL is the hold duration requested per §4.1 step 5; renewed at
	// LockTTL/2 for the life of the job via kv.RenewLoop.
	LockTTL time.Duration
	// LockWait bounds how long AcquireLock polls before giving up.
	LockWait time.Duration
	// IdempotencyTTL is the success marker's TTL, per §4.6.
	IdempotencyTTL time.Duration
}

// New builds a Worker with the given collaborators and config-supplied
// timings, defaulting Metrics to a no-op recorder when nil.
func New(pgw pg.Gateway, kvs kv.Store, apo approval.Oracle, dse syncqueue.Enqueuer, log logr.Logger, rec *metrics.Recorder, lockTTL, lockWait, idempotencyTTL time.Duration) *Worker {
	if rec == nil {
		rec = metrics.Noop()
	}
	return &Worker{
		PG: pgw, KV: kvs, APO: apo, DSE: dse,
		Log: log, Metrics: rec,
		LockTTL: lockTTL, LockWait: lockWait, IdempotencyTTL: idempotencyTTL,
	}
}

// ProcessJob implements the top-level protocol of §4.1. It is the
// queue.Handler the worker registers with the Queue Runtime.
func (w *Worker) ProcessJob(ctx context.Context, job *model.ReplicationJob) (err error) {
	log := w.Log.WithValues("jobId", job.JobID, "folderId", job.FolderID)
	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("replication worker panic: %v", rec)
		}
		outcome := "success"
		if err != nil {
			outcome = "failed"
		}
		w.Metrics.JobsProcessed.WithLabelValues(outcome).Inc()
		w.Metrics.ReplicationLagSec.Observe(time.Since(started).Seconds())
		if err != nil {
			log.Error(err, EventReasonJobAborted)
		}
	}()

	if len(job.Secrets) == 0 {
		log.V(1).Info(EventReasonJobNoOp, "reason", "empty secret list")
		return nil
	}

	// Step 1: discover subscribers.
	imports, err := w.PG.FindReplicationImports(ctx, job.SecretPath, job.EnvironmentID, job.PickOnlyImportIDs)
	if err != nil {
		return fmt.Errorf("%w: discover subscribers: %v", werrors.ErrTransientCollaborator, err)
	}
	if len(imports) == 0 {
		log.V(1).Info(EventReasonJobNoOp, "reason", "no subscribed imports")
		return nil
	}

	// Step 2: refresh source secrets.
	secretIDs := uniqueJobSecretIDs(job.Secrets)
	versions, err := w.PG.FindSecretVersions(ctx, job.FolderID, secretIDs)
	if err != nil {
		return fmt.Errorf("%w: refresh source secrets: %v", werrors.ErrTransientCollaborator, err)
	}

	// Step 3: filter by replication eligibility.
	replicated := diff.EligibleVersions(versions)
	byID := diff.GroupBySecretID(replicated)

	// Step 4: sanitize incoming operations.
	sanitized := diff.SanitizeJobSecrets(job.Secrets, byID)
	if len(sanitized) == 0 {
		log.V(1).Info(EventReasonJobNoOp, "reason", "no eligible operations after sanitization")
		return nil
	}

	// Step 5: acquire locks over the replicated set's secret ids.
	lockKeys := lockKeysFor(replicated)
	waitStarted := time.Now()
	lock, err := w.KV.AcquireLock(ctx, lockKeys, w.LockTTL, w.LockWait)
	w.Metrics.LockWaitSeconds.Observe(time.Since(waitStarted).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %v", werrors.ErrLockUnavailable, err)
	}

	renewCtx, cancelRenew := context.WithCancel(ctx)
	renewErrs := kv.RenewLoop(renewCtx, lock, w.LockTTL)

	// Step 8: release locks unconditionally, including on panic.
	defer func() {
		cancelRenew()
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			log.Error(relErr, "failed to release replication lock")
		}
	}()

	go func() {
		for renewErr := range renewErrs {
			log.Error(renewErr, "failed to renew replication lock")
		}
	}()

	// Step 6: per-import loop. Failures of individual imports are caught
	// and recorded; only MembershipMissing aborts the whole job.
	for i := range imports {
		imp := imports[i]
		impErr := w.processImport(ctx, job, &imp, replicated, byID, sanitized)
		if impErr == nil {
			w.Metrics.ImportsProcessed.WithLabelValues("success").Inc()
			continue
		}
		if errors.Is(impErr, werrors.ErrMembershipMissing) {
			log.Error(impErr, EventReasonJobAborted, "importId", imp.ID)
			return impErr
		}
		w.Metrics.ImportsProcessed.WithLabelValues("failed").Inc()
		log.Error(impErr, EventReasonImportFailed, "importId", imp.ID)
		if recordErr := w.PG.UpdateImportFailure(ctx, imp.ID, time.Now().Unix(), werrors.Truncate(impErr.Error(), 500)); recordErr != nil {
			log.Error(recordErr, "failed to record import failure", "importId", imp.ID)
		}
	}

	// Step 7: mark versions replicated, regardless of per-import outcome
	// (§9 O3 — kept as specified).
	versionIDs := make([]string, 0, len(replicated))
	for _, v := range replicated {
		versionIDs = append(versionIDs, v.ID)
	}
	if err := w.PG.MarkVersionsReplicated(ctx, versionIDs); err != nil {
		return fmt.Errorf("%w: mark versions replicated: %v", werrors.ErrTransientCollaborator, err)
	}

	log.Info("replication job completed")
	return nil
}

// processImport implements the per-import protocol of §4.2.
func (w *Worker) processImport(ctx context.Context, job *model.ReplicationJob, imp *model.SecretImport, replicated []model.SecretVersion, byID map[string][]model.SecretVersion, sanitized []model.JobSecret) error {
	log := w.Log.WithValues("jobId", job.JobID, "importId", imp.ID)

	// a. Idempotency short-circuit.
	succeeded, err := w.KV.HasSucceeded(ctx, job.JobID, imp.ID)
	if err != nil {
		return fmt.Errorf("%w: check idempotency marker: %v", werrors.ErrTransientCollaborator, err)
	}
	if succeeded {
		log.V(1).Info(EventReasonImportShortCircuit)
		return nil
	}

	// b. Resolve destination paths.
	paths, err := w.PG.FindSecretPathByFolderIDs(ctx, job.ProjectID, []string{imp.FolderID})
	if err != nil {
		return fmt.Errorf("%w: resolve destination path: %v", werrors.ErrTransientCollaborator, err)
	}
	extPath, ok := paths[imp.FolderID]
	if !ok {
		return werrors.ErrImportedFolderMissing
	}

	// c. Materialize reserved folder.
	reservedName := model.ReservedFolderName(imp.ID)
	reserved, err := w.PG.FindReservedFolder(ctx, imp.FolderID, reservedName)
	if err != nil {
		return fmt.Errorf("%w: look up reserved folder: %v", werrors.ErrTransientCollaborator, err)
	}
	if reserved == nil {
		reserved, err = w.PG.CreateReservedFolder(ctx, imp.FolderID, extPath.EnvID, reservedName)
		if err != nil {
			return fmt.Errorf("%w: create reserved folder: %v", werrors.ErrTransientCollaborator, err)
		}
	}

	// d. Read local state.
	blindIndexes := uniqueBlindIndexes(replicated)
	localSecrets, err := w.PG.FindSecretsByBlindIndexes(ctx, reserved.ID, blindIndexes)
	if err != nil {
		return fmt.Errorf("%w: read local secrets: %v", werrors.ErrTransientCollaborator, err)
	}
	localByBI := diff.GroupSecretsByBlindIndex(localSecrets)

	// e. Classify operations.
	classified := diff.Classify(sanitized, byID, localByBI)

	// f. Consult approval policy.
	policy, err := w.APO.ResolvePolicy(ctx, job.ProjectID, extPath.EnvironmentSlug, extPath.Path)
	if err != nil {
		return fmt.Errorf("%w: resolve approval policy: %v", werrors.ErrTransientCollaborator, err)
	}

	if policy != nil && job.Actor == model.ActorUser {
		if err := w.runApprovalPath(ctx, job, imp, reserved, extPath, policy, classified); err != nil {
			return err
		}
	} else {
		if err := w.runDirectPath(ctx, job, reserved, extPath, classified); err != nil {
			return err
		}
	}

	// g. Mark import success.
	if err := w.KV.MarkSuccess(ctx, job.JobID, imp.ID, w.IdempotencyTTL); err != nil {
		return fmt.Errorf("%w: write success marker: %v", werrors.ErrTransientCollaborator, err)
	}
	if err := w.PG.UpdateImportSuccess(ctx, imp.ID, time.Now().Unix()); err != nil {
		return fmt.Errorf("%w: record import success: %v", werrors.ErrTransientCollaborator, err)
	}
	log.V(1).Info(EventReasonImportSucceeded)
	return nil
}

// runApprovalPath implements §4.3. A missing project membership aborts
// the entire job per spec, surfaced as werrors.ErrMembershipMissing.
func (w *Worker) runApprovalPath(ctx context.Context, job *model.ReplicationJob, imp *model.SecretImport, reserved *model.Folder, extPath model.ExternalFolderPath, policy *approval.Policy, classified []diff.ClassifiedOp) error {
	membership, err := w.PG.FindProjectMembership(ctx, job.ProjectID, job.ActorID)
	if err != nil {
		return fmt.Errorf("%w: resolve project membership: %v", werrors.ErrTransientCollaborator, err)
	}
	if membership == nil {
		return werrors.ErrMembershipMissing
	}

	localIDs := make([]string, 0, len(classified))
	for _, c := range classified {
		if c.Local != nil {
			localIDs = append(localIDs, c.Local.ID)
		}
	}
	latestByLocalID, err := w.PG.FindLatestVersionsBySecretIDs(ctx, reserved.ID, localIDs)
	if err != nil {
		return fmt.Errorf("%w: read latest local versions: %v", werrors.ErrTransientCollaborator, err)
	}

	slug, err := idgen.Alphanumeric(idgen.DefaultSlugLength)
	if err != nil {
		return fmt.Errorf("%w: generate approval slug: %v", werrors.ErrTransientCollaborator, err)
	}

	req := model.ApprovalRequest{
		ID:           uuid.NewString(),
		FolderID:     reserved.ID,
		Slug:         slug,
		PolicyID:     policy.PolicyID,
		Status:       model.ApprovalStatusOpen,
		HasMerged:    false,
		CommitterID:  membership.ID,
		IsReplicated: true,
	}

	secrets := make([]model.ApprovalRequestSecret, 0, len(classified))
	for _, c := range classified {
		rs := model.ApprovalRequestSecret{
			RequestID:               req.ID,
			Op:                      c.Effective,
			SecretBlindIndex:        c.BlindIndex,
			IsReplicated:            true,
			KeyEncoding:             c.Source.KeyEncoding,
			Algorithm:               c.Source.Algorithm,
			Metadata:                c.Source.Metadata,
			SkipMultilineEncoding:   c.Source.SkipMultilineEncoding,
			SecretKeyCiphertext:     c.Source.SecretKeyCiphertext,
			SecretValueCiphertext:   c.Source.SecretValueCiphertext,
			SecretCommentCiphertext: c.Source.SecretCommentCiphertext,
		}
		if c.Effective != model.OpCreate && c.Local != nil {
			localID := c.Local.ID
			rs.SecretID = &localID
			if latest, ok := latestByLocalID[c.Local.ID]; ok {
				versionID := latest.ID
				rs.SecretVersionID = &versionID
			}
		}
		secrets = append(secrets, rs)
	}

	err = w.PG.WithTransaction(ctx, func(ctx context.Context, tx pg.Tx) error {
		if err := tx.InsertApprovalRequest(ctx, req); err != nil {
			return err
		}
		return tx.InsertApprovalRequestSecrets(ctx, secrets)
	})
	if err != nil {
		return fmt.Errorf("%w: create approval request: %v", werrors.ErrTransactionFailure, err)
	}

	w.Log.WithValues("jobId", job.JobID, "importId", imp.ID).V(1).Info(EventReasonApprovalCreated, "approvalRequestId", req.ID)
	return nil
}

// runDirectPath implements §4.4, including the §4.5/O1 fix: deletes
// filter on the local (replica) secret id, not the source id.
func (w *Worker) runDirectPath(ctx context.Context, job *model.ReplicationJob, reserved *model.Folder, extPath model.ExternalFolderPath, classified []diff.ClassifiedOp) error {
	var nested []model.AppliedChange

	err := w.PG.WithTransaction(ctx, func(ctx context.Context, tx pg.Tx) error {
		var creates []pg.CreateOp
		var updates []pg.UpdateOp
		var deleteLocalIDs []string

		for _, c := range classified {
			switch c.Effective {
			case model.OpCreate:
				creates = append(creates, pg.CreateOp{BlindIndex: c.BlindIndex, Source: c.Source})
			case model.OpUpdate:
				if c.Local == nil {
					continue
				}
				updates = append(updates, pg.UpdateOp{LocalSecretID: c.Local.ID, BlindIndex: c.BlindIndex, Source: c.Source})
			case model.OpDelete:
				if c.Local == nil {
					continue
				}
				deleteLocalIDs = append(deleteLocalIDs, c.Local.ID)
			}
		}

		if len(creates) > 0 {
			applied, err := tx.BulkCreateSecrets(ctx, reserved.ID, creates)
			if err != nil {
				return err
			}
			nested = append(nested, applied...)
		}
		if len(updates) > 0 {
			applied, err := tx.BulkUpdateSecrets(ctx, reserved.ID, updates)
			if err != nil {
				return err
			}
			nested = append(nested, applied...)
		}
		if len(deleteLocalIDs) > 0 {
			applied, err := tx.DeleteSecrets(ctx, reserved.ID, deleteLocalIDs)
			if err != nil {
				return err
			}
			nested = append(nested, applied...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: apply classified changes: %v", werrors.ErrTransactionFailure, err)
	}

	if len(nested) == 0 {
		return nil
	}

	msg := syncqueue.Message{
		ProjectID:              job.ProjectID,
		SecretPath:             extPath.Path,
		EnvironmentSlug:        extPath.EnvironmentSlug,
		EnvironmentID:          reserved.EnvID,
		FolderID:               reserved.ID,
		Secrets:                nested,
		Actor:                  job.Actor,
		ActorID:                job.ActorID,
		DeDupeReplicationQueue: job.DeDupeReplicationQueue,
		DeDupeQueue:            job.DeDupeQueue,
	}
	if err := w.DSE.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("%w: enqueue downstream sync: %v", werrors.ErrTransientCollaborator, err)
	}
	return nil
}

func uniqueJobSecretIDs(secrets []model.JobSecret) []string {
	seen := make(map[string]struct{}, len(secrets))
	out := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s.ID)
	}
	return out
}

// lockKeysFor returns one lock key per distinct source secret id in the
// replicated set, per §5's ordering guarantee ("two jobs whose
// replicated sets share any secret id cannot both be in §4.2 at once").
func lockKeysFor(replicated []model.SecretVersion) []string {
	seen := make(map[string]struct{}, len(replicated))
	out := make([]string, 0, len(replicated))
	for _, v := range replicated {
		if _, ok := seen[v.SecretID]; ok {
			continue
		}
		seen[v.SecretID] = struct{}{}
		out = append(out, kv.LockKey(v.SecretID))
	}
	return out
}

func uniqueBlindIndexes(replicated []model.SecretVersion) []string {
	seen := make(map[string]struct{}, len(replicated))
	out := make([]string, 0, len(replicated))
	for _, v := range replicated {
		if v.SecretBlindIndex == nil {
			continue
		}
		bi := *v.SecretBlindIndex
		if _, ok := seen[bi]; ok {
			continue
		}
		seen[bi] = struct{}{}
		out = append(out, bi)
	}
	return out
}
