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

// Package diff implements the blind-index identity and three-way diff
// (create/update/delete) at the heart of secret replication. It is pure:
// no I/O, no locks, nothing but the reconciliation algorithm described in
// spec.md §4.1 steps 2-4 and §4.2 step e, so it is exercised directly by
// table-driven specs instead of through fakes.
package diff

import "github.com/guided-traffic/replication-worker/internal/model"

// EligibleVersions implements spec.md §4.1 step 3: keep only source
// versions that are type=shared, carry a non-null blind index, AND
// (version == 1 OR latestReplicatedVersion <= version). The schema
// allows a personal secret to carry a non-null blind index, so the
// type check is load-bearing, not redundant with the blind-index
// check — it is what keeps personal secrets out of R per spec.md §3's
// "Personal secrets never replicate." The input is assumed already
// scoped to the job's (folderId, secretIds).
func EligibleVersions(versions []model.SecretVersion) []model.SecretVersion {
	out := make([]model.SecretVersion, 0, len(versions))
	for _, v := range versions {
		if v.Type != model.SecretTypeShared {
			continue
		}
		if v.SecretBlindIndex == nil || *v.SecretBlindIndex == "" {
			continue
		}
		if v.Version == 1 || v.LatestReplicatedVersion <= v.Version {
			out = append(out, v)
		}
	}
	return out
}

// GroupBySecretID groups the replicated set R by SecretID (R_by_id in
// spec.md). A secret id may legitimately map to more than one version row;
// callers use the first entry as the representative source doc, per §4.2e.
func GroupBySecretID(versions []model.SecretVersion) map[string][]model.SecretVersion {
	out := make(map[string][]model.SecretVersion, len(versions))
	for _, v := range versions {
		out[v.SecretID] = append(out[v.SecretID], v)
	}
	return out
}

// SanitizeJobSecrets implements spec.md §4.1 step 4: drop entries of the
// job's secret list whose id is not present in the eligible set, which
// excludes personal secrets and ineligible versions.
func SanitizeJobSecrets(jobSecrets []model.JobSecret, byID map[string][]model.SecretVersion) []model.JobSecret {
	out := make([]model.JobSecret, 0, len(jobSecrets))
	for _, s := range jobSecrets {
		if _, ok := byID[s.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}

// GroupSecretsByBlindIndex groups local (replica) secrets by blind index,
// producing L_by_bi from spec.md §4.2d.
func GroupSecretsByBlindIndex(secrets []model.Secret) map[string][]model.Secret {
	out := make(map[string][]model.Secret, len(secrets))
	for _, s := range secrets {
		if s.SecretBlindIndex == nil {
			continue
		}
		out[*s.SecretBlindIndex] = append(out[*s.SecretBlindIndex], s)
	}
	return out
}

// ClassifiedOp is one (source-id, Create|Update|Delete) pair after
// reconciliation against local replica state, per spec.md §4.2e.
type ClassifiedOp struct {
	SourceID   string
	BlindIndex string
	Effective  model.Operation
	Source     model.SecretVersion
	// Local is the matching replica secret, set for Update and Delete.
	Local *model.Secret
}

// Classify implements spec.md §4.2e's reconciliation table:
//
//	Create or Update, no local bi  -> Create
//	Create or Update, local bi     -> Update
//	Delete,           local bi     -> Delete
//	Delete,           no local bi  -> dropped
func Classify(sanitized []model.JobSecret, byID map[string][]model.SecretVersion, localByBI map[string][]model.Secret) []ClassifiedOp {
	out := make([]ClassifiedOp, 0, len(sanitized))
	for _, s := range sanitized {
		sourceRows, ok := byID[s.ID]
		if !ok || len(sourceRows) == 0 {
			continue
		}
		d := sourceRows[0]
		if d.SecretBlindIndex == nil {
			continue
		}
		bi := *d.SecretBlindIndex
		locals, hasLocal := localByBI[bi]

		switch s.Operation {
		case model.OpCreate, model.OpUpdate:
			if !hasLocal || len(locals) == 0 {
				out = append(out, ClassifiedOp{SourceID: s.ID, BlindIndex: bi, Effective: model.OpCreate, Source: d})
			} else {
				local := locals[0]
				out = append(out, ClassifiedOp{SourceID: s.ID, BlindIndex: bi, Effective: model.OpUpdate, Source: d, Local: &local})
			}
		case model.OpDelete:
			if hasLocal && len(locals) > 0 {
				local := locals[0]
				out = append(out, ClassifiedOp{SourceID: s.ID, BlindIndex: bi, Effective: model.OpDelete, Source: d, Local: &local})
			}
			// else: dropped, per the table.
		}
	}
	return out
}
