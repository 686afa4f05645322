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

package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guided-traffic/replication-worker/internal/model"
	"github.com/guided-traffic/replication-worker/internal/werrors"
)

// PgxGateway is the production Gateway, backed by a pgx/v5 pool. Query
// shapes mirror the capabilities enumerated in spec.md §6; table and
// column names are this module's own schema, not the original's.
type PgxGateway struct {
	pool *pgxpool.Pool
}

// NewPgxGateway wraps an already-configured pgx pool.
func NewPgxGateway(pool *pgxpool.Pool) *PgxGateway {
	return &PgxGateway{pool: pool}
}

func (g *PgxGateway) FindReplicationImports(ctx context.Context, importPath, importEnv string, pickOnly map[string]struct{}) ([]model.SecretImport, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id, folder_id, import_path, import_env, is_replication,
		       last_replicated, replication_status, is_replication_success
		FROM secret_imports
		WHERE import_path = $1 AND import_env = $2 AND is_replication = true`,
		importPath, importEnv)
	if err != nil {
		return nil, fmt.Errorf("%w: query replication imports: %v", werrors.ErrTransientCollaborator, err)
	}
	defer rows.Close()

	var out []model.SecretImport
	for rows.Next() {
		var si model.SecretImport
		var lastReplicated *time.Time
		if err := rows.Scan(&si.ID, &si.FolderID, &si.ImportPath, &si.ImportEnv, &si.IsReplication,
			&lastReplicated, &si.ReplicationStatus, &si.IsReplicationSuccess); err != nil {
			return nil, fmt.Errorf("%w: scan replication import: %v", werrors.ErrTransientCollaborator, err)
		}
		si.LastReplicated = lastReplicated
		if len(pickOnly) == 0 {
			out = append(out, si)
			continue
		}
		if _, ok := pickOnly[si.ID]; ok {
			out = append(out, si)
		}
	}
	return out, rows.Err()
}

func (g *PgxGateway) FindSecretVersions(ctx context.Context, folderID string, secretIDs []string) ([]model.SecretVersion, error) {
	if len(secretIDs) == 0 {
		return nil, nil
	}
	rows, err := g.pool.Query(ctx, `
		SELECT sv.id, sv.secret_id, sv.version, sv.latest_replicated_version, sv.is_replicated,
		       sv.secret_blind_index, sv.type, sv.key_encoding, sv.algorithm, sv.metadata,
		       sv.skip_multiline_encoding,
		       sv.key_iv, sv.key_tag, sv.key_ciphertext,
		       sv.value_iv, sv.value_tag, sv.value_ciphertext,
		       sv.comment_iv, sv.comment_tag, sv.comment_ciphertext
		FROM secret_versions sv
		JOIN secrets s ON s.id = sv.secret_id
		WHERE s.folder_id = $1 AND sv.secret_id = ANY($2) AND s.type = 'shared'`,
		folderID, secretIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: query secret versions: %v", werrors.ErrTransientCollaborator, err)
	}
	defer rows.Close()

	var out []model.SecretVersion
	for rows.Next() {
		v, err := scanSecretVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (g *PgxGateway) FindSecretPathByFolderIDs(ctx context.Context, projectID string, folderIDs []string) (map[string]model.ExternalFolderPath, error) {
	if len(folderIDs) == 0 {
		return map[string]model.ExternalFolderPath{}, nil
	}
	rows, err := g.pool.Query(ctx, `
		SELECT f.id, f.env_id, e.slug, f.path
		FROM folders f
		JOIN environments e ON e.id = f.env_id
		WHERE e.project_id = $1 AND f.id = ANY($2)`,
		projectID, folderIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: query folder paths: %v", werrors.ErrTransientCollaborator, err)
	}
	defer rows.Close()

	out := make(map[string]model.ExternalFolderPath, len(folderIDs))
	for rows.Next() {
		var p model.ExternalFolderPath
		if err := rows.Scan(&p.FolderID, &p.EnvID, &p.EnvironmentSlug, &p.Path); err != nil {
			return nil, fmt.Errorf("%w: scan folder path: %v", werrors.ErrTransientCollaborator, err)
		}
		out[p.FolderID] = p
	}
	return out, rows.Err()
}

func (g *PgxGateway) FindReservedFolder(ctx context.Context, parentID, name string) (*model.Folder, error) {
	var f model.Folder
	err := g.pool.QueryRow(ctx, `
		SELECT id, env_id, parent_id, path, is_reserved, name
		FROM folders
		WHERE parent_id = $1 AND name = $2 AND is_reserved = true`,
		parentID, name).Scan(&f.ID, &f.EnvID, &f.ParentID, &f.Path, &f.IsReserved, &f.Name)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find reserved folder: %v", werrors.ErrTransientCollaborator, err)
	}
	return &f, nil
}

// CreateReservedFolder inserts the reserved child folder. The ON CONFLICT
// clause is this module's resolution of spec.md §9 O2 (the original's
// find-then-create race): a unique index on (parent_id, name, is_reserved)
// backs this upsert, so a losing concurrent creator observes the winner's
// row instead of a duplicate-key error.
func (g *PgxGateway) CreateReservedFolder(ctx context.Context, parentID, envID, name string) (*model.Folder, error) {
	var f model.Folder
	err := g.pool.QueryRow(ctx, `
		INSERT INTO folders (id, env_id, parent_id, path, is_reserved, name)
		VALUES ($1, $2, $3, '/', true, $4)
		ON CONFLICT (parent_id, name, is_reserved) WHERE is_reserved = true DO UPDATE SET name = EXCLUDED.name
		RETURNING id, env_id, parent_id, path, is_reserved, name`,
		uuid.NewString(), envID, parentID, name).Scan(&f.ID, &f.EnvID, &f.ParentID, &f.Path, &f.IsReserved, &f.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: create reserved folder: %v", werrors.ErrTransientCollaborator, err)
	}
	return &f, nil
}

func (g *PgxGateway) FindSecretsByBlindIndexes(ctx context.Context, folderID string, blindIndexes []string) ([]model.Secret, error) {
	if len(blindIndexes) == 0 {
		return nil, nil
	}
	rows, err := g.pool.Query(ctx, `
		SELECT id, folder_id, secret_blind_index, type, version, is_replicated,
		       key_encoding, algorithm, metadata, skip_multiline_encoding,
		       key_iv, key_tag, key_ciphertext,
		       value_iv, value_tag, value_ciphertext,
		       comment_iv, comment_tag, comment_ciphertext
		FROM secrets
		WHERE folder_id = $1 AND secret_blind_index = ANY($2) AND type = 'shared'`,
		folderID, blindIndexes)
	if err != nil {
		return nil, fmt.Errorf("%w: query local secrets: %v", werrors.ErrTransientCollaborator, err)
	}
	defer rows.Close()

	var out []model.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (g *PgxGateway) FindLatestVersionsBySecretIDs(ctx context.Context, folderID string, secretIDs []string) (map[string]model.SecretVersion, error) {
	if len(secretIDs) == 0 {
		return map[string]model.SecretVersion{}, nil
	}
	rows, err := g.pool.Query(ctx, `
		SELECT DISTINCT ON (sv.secret_id)
		       sv.id, sv.secret_id, sv.version, sv.latest_replicated_version, sv.is_replicated,
		       sv.secret_blind_index, sv.type, sv.key_encoding, sv.algorithm, sv.metadata,
		       sv.skip_multiline_encoding,
		       sv.key_iv, sv.key_tag, sv.key_ciphertext,
		       sv.value_iv, sv.value_tag, sv.value_ciphertext,
		       sv.comment_iv, sv.comment_tag, sv.comment_ciphertext
		FROM secret_versions sv
		JOIN secrets s ON s.id = sv.secret_id
		WHERE s.folder_id = $1 AND sv.secret_id = ANY($2)
		ORDER BY sv.secret_id, sv.version DESC`,
		folderID, secretIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: query latest local versions: %v", werrors.ErrTransientCollaborator, err)
	}
	defer rows.Close()

	out := make(map[string]model.SecretVersion, len(secretIDs))
	for rows.Next() {
		v, err := scanSecretVersion(rows)
		if err != nil {
			return nil, err
		}
		out[v.SecretID] = v
	}
	return out, rows.Err()
}

func (g *PgxGateway) FindProjectMembership(ctx context.Context, projectID, userID string) (*model.ProjectMembership, error) {
	var m model.ProjectMembership
	err := g.pool.QueryRow(ctx, `
		SELECT id, project_id, user_id FROM project_memberships
		WHERE project_id = $1 AND user_id = $2`,
		projectID, userID).Scan(&m.ID, &m.ProjectID, &m.UserID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find project membership: %v", werrors.ErrTransientCollaborator, err)
	}
	return &m, nil
}

func (g *PgxGateway) MarkVersionsReplicated(ctx context.Context, versionIDs []string) error {
	if len(versionIDs) == 0 {
		return nil
	}
	_, err := g.pool.Exec(ctx, `UPDATE secret_versions SET is_replicated = true WHERE id = ANY($1)`, versionIDs)
	if err != nil {
		return fmt.Errorf("%w: mark versions replicated: %v", werrors.ErrTransientCollaborator, err)
	}
	return nil
}

func (g *PgxGateway) UpdateImportSuccess(ctx context.Context, importID string, lastReplicated int64) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE secret_imports
		SET last_replicated = $2, replication_status = NULL, is_replication_success = true
		WHERE id = $1`, importID, time.Unix(lastReplicated, 0).UTC())
	if err != nil {
		return fmt.Errorf("%w: update import success: %v", werrors.ErrTransientCollaborator, err)
	}
	return nil
}

func (g *PgxGateway) UpdateImportFailure(ctx context.Context, importID string, lastReplicated int64, message string) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE secret_imports
		SET last_replicated = $2, replication_status = $3, is_replication_success = false
		WHERE id = $1`, importID, time.Unix(lastReplicated, 0).UTC(), werrors.Truncate(message, 500))
	if err != nil {
		return fmt.Errorf("%w: update import failure: %v", werrors.ErrTransientCollaborator, err)
	}
	return nil
}

func (g *PgxGateway) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgxTx, err := g.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", werrors.ErrTransactionFailure, err)
	}

	if err := fn(ctx, &pgxTxAdapter{tx: pgxTx}); err != nil {
		if rbErr := pgxTx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			return fmt.Errorf("%w: rollback failed after %v: %v", werrors.ErrTransactionFailure, err, rbErr)
		}
		return fmt.Errorf("%w: %v", werrors.ErrTransactionFailure, err)
	}

	if err := pgxTx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit transaction: %v", werrors.ErrTransactionFailure, err)
	}
	return nil
}

// rowScanner is satisfied by both pgx.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSecretVersion(r rowScanner) (model.SecretVersion, error) {
	var v model.SecretVersion
	var metadataRaw []byte
	err := r.Scan(&v.ID, &v.SecretID, &v.Version, &v.LatestReplicatedVersion, &v.IsReplicated,
		&v.SecretBlindIndex, &v.Type, &v.KeyEncoding, &v.Algorithm, &metadataRaw,
		&v.SkipMultilineEncoding,
		&v.SecretKeyCiphertext.IV, &v.SecretKeyCiphertext.Tag, &v.SecretKeyCiphertext.Ciphertext,
		&v.SecretValueCiphertext.IV, &v.SecretValueCiphertext.Tag, &v.SecretValueCiphertext.Ciphertext,
		&v.SecretCommentCiphertext.IV, &v.SecretCommentCiphertext.Tag, &v.SecretCommentCiphertext.Ciphertext)
	if err != nil {
		return v, fmt.Errorf("%w: scan secret version: %v", werrors.ErrTransientCollaborator, err)
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &v.Metadata); err != nil {
			return v, fmt.Errorf("%w: decode secret version metadata: %v", werrors.ErrTransientCollaborator, err)
		}
	}
	return v, nil
}

func scanSecret(r rowScanner) (model.Secret, error) {
	var s model.Secret
	var metadataRaw []byte
	err := r.Scan(&s.ID, &s.FolderID, &s.SecretBlindIndex, &s.Type, &s.Version, &s.IsReplicated,
		&s.KeyEncoding, &s.Algorithm, &metadataRaw, &s.SkipMultilineEncoding,
		&s.SecretKeyCiphertext.IV, &s.SecretKeyCiphertext.Tag, &s.SecretKeyCiphertext.Ciphertext,
		&s.SecretValueCiphertext.IV, &s.SecretValueCiphertext.Tag, &s.SecretValueCiphertext.Ciphertext,
		&s.SecretCommentCiphertext.IV, &s.SecretCommentCiphertext.Tag, &s.SecretCommentCiphertext.Ciphertext)
	if err != nil {
		return s, fmt.Errorf("%w: scan secret: %v", werrors.ErrTransientCollaborator, err)
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &s.Metadata); err != nil {
			return s, fmt.Errorf("%w: decode secret metadata: %v", werrors.ErrTransientCollaborator, err)
		}
	}
	return s, nil
}
