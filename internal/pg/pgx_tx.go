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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/guided-traffic/replication-worker/internal/model"
	"github.com/guided-traffic/replication-worker/internal/werrors"
)

// pgxTxAdapter implements Tx against a live pgx.Tx. It exists purely to
// keep the pgx.Tx type out of the Gateway interface so fakes in
// internal/worker's tests never need a real connection.
type pgxTxAdapter struct {
	tx pgx.Tx
}

func (a *pgxTxAdapter) BulkCreateSecrets(ctx context.Context, folderID string, ops []CreateOp) ([]model.AppliedChange, error) {
	out := make([]model.AppliedChange, 0, len(ops))
	for _, op := range ops {
		secretID := uuid.NewString()
		metadataRaw, err := json.Marshal(op.Source.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: encode metadata for create: %v", werrors.ErrTransactionFailure, err)
		}

		_, err = a.tx.Exec(ctx, `
			INSERT INTO secrets (id, folder_id, secret_blind_index, type, version, is_replicated,
			                      key_encoding, algorithm, metadata, skip_multiline_encoding,
			                      key_iv, key_tag, key_ciphertext,
			                      value_iv, value_tag, value_ciphertext,
			                      comment_iv, comment_tag, comment_ciphertext)
			VALUES ($1, $2, $3, 'shared', 1, true, $4, $5, $6, $7,
			        $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			secretID, folderID, op.BlindIndex, op.Source.KeyEncoding, op.Source.Algorithm, metadataRaw,
			op.Source.SkipMultilineEncoding,
			op.Source.SecretKeyCiphertext.IV, op.Source.SecretKeyCiphertext.Tag, op.Source.SecretKeyCiphertext.Ciphertext,
			op.Source.SecretValueCiphertext.IV, op.Source.SecretValueCiphertext.Tag, op.Source.SecretValueCiphertext.Ciphertext,
			op.Source.SecretCommentCiphertext.IV, op.Source.SecretCommentCiphertext.Tag, op.Source.SecretCommentCiphertext.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: insert replicated secret: %v", werrors.ErrTransactionFailure, err)
		}

		versionID := uuid.NewString()
		if _, err := a.tx.Exec(ctx, `
			INSERT INTO secret_versions (id, secret_id, version, latest_replicated_version, is_replicated,
			                              secret_blind_index, type, key_encoding, algorithm, metadata,
			                              skip_multiline_encoding,
			                              key_iv, key_tag, key_ciphertext,
			                              value_iv, value_tag, value_ciphertext,
			                              comment_iv, comment_tag, comment_ciphertext)
			VALUES ($1, $2, 1, $3, true, $4, 'shared', $5, $6, $7, $8,
			        $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			versionID, secretID, op.Source.Version, op.BlindIndex, op.Source.KeyEncoding, op.Source.Algorithm,
			metadataRaw, op.Source.SkipMultilineEncoding,
			op.Source.SecretKeyCiphertext.IV, op.Source.SecretKeyCiphertext.Tag, op.Source.SecretKeyCiphertext.Ciphertext,
			op.Source.SecretValueCiphertext.IV, op.Source.SecretValueCiphertext.Tag, op.Source.SecretValueCiphertext.Ciphertext,
			op.Source.SecretCommentCiphertext.IV, op.Source.SecretCommentCiphertext.Tag, op.Source.SecretCommentCiphertext.Ciphertext); err != nil {
			return nil, fmt.Errorf("%w: insert initial secret version: %v", werrors.ErrTransactionFailure, err)
		}

		out = append(out, model.AppliedChange{ID: secretID, Version: 1, Operation: model.OpCreate})
	}
	return out, nil
}

func (a *pgxTxAdapter) BulkUpdateSecrets(ctx context.Context, folderID string, ops []UpdateOp) ([]model.AppliedChange, error) {
	out := make([]model.AppliedChange, 0, len(ops))
	for _, op := range ops {
		metadataRaw, err := json.Marshal(op.Source.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: encode metadata for update: %v", werrors.ErrTransactionFailure, err)
		}

		var newVersion int
		err = a.tx.QueryRow(ctx, `
			UPDATE secrets SET
				key_encoding = $3, algorithm = $4, metadata = $5, skip_multiline_encoding = $6,
				key_iv = $7, key_tag = $8, key_ciphertext = $9,
				value_iv = $10, value_tag = $11, value_ciphertext = $12,
				comment_iv = $13, comment_tag = $14, comment_ciphertext = $15,
				version = version + 1
			WHERE id = $1 AND folder_id = $2
			RETURNING version`,
			op.LocalSecretID, folderID, op.Source.KeyEncoding, op.Source.Algorithm, metadataRaw,
			op.Source.SkipMultilineEncoding,
			op.Source.SecretKeyCiphertext.IV, op.Source.SecretKeyCiphertext.Tag, op.Source.SecretKeyCiphertext.Ciphertext,
			op.Source.SecretValueCiphertext.IV, op.Source.SecretValueCiphertext.Tag, op.Source.SecretValueCiphertext.Ciphertext,
			op.Source.SecretCommentCiphertext.IV, op.Source.SecretCommentCiphertext.Tag, op.Source.SecretCommentCiphertext.Ciphertext,
		).Scan(&newVersion)
		if err != nil {
			return nil, fmt.Errorf("%w: update replicated secret: %v", werrors.ErrTransactionFailure, err)
		}

		versionID := uuid.NewString()
		if _, err := a.tx.Exec(ctx, `
			INSERT INTO secret_versions (id, secret_id, version, latest_replicated_version, is_replicated,
			                              secret_blind_index, type, key_encoding, algorithm, metadata,
			                              skip_multiline_encoding,
			                              key_iv, key_tag, key_ciphertext,
			                              value_iv, value_tag, value_ciphertext,
			                              comment_iv, comment_tag, comment_ciphertext)
			VALUES ($1, $2, $3, $4, true, $5, 'shared', $6, $7, $8, $9,
			        $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			versionID, op.LocalSecretID, newVersion, op.Source.Version, op.BlindIndex,
			op.Source.KeyEncoding, op.Source.Algorithm, metadataRaw, op.Source.SkipMultilineEncoding,
			op.Source.SecretKeyCiphertext.IV, op.Source.SecretKeyCiphertext.Tag, op.Source.SecretKeyCiphertext.Ciphertext,
			op.Source.SecretValueCiphertext.IV, op.Source.SecretValueCiphertext.Tag, op.Source.SecretValueCiphertext.Ciphertext,
			op.Source.SecretCommentCiphertext.IV, op.Source.SecretCommentCiphertext.Tag, op.Source.SecretCommentCiphertext.Ciphertext); err != nil {
			return nil, fmt.Errorf("%w: insert updated secret version: %v", werrors.ErrTransactionFailure, err)
		}

		out = append(out, model.AppliedChange{ID: op.LocalSecretID, Version: newVersion, Operation: model.OpUpdate})
	}
	return out, nil
}

func (a *pgxTxAdapter) DeleteSecrets(ctx context.Context, folderID string, localIDs []string) ([]model.AppliedChange, error) {
	if len(localIDs) == 0 {
		return nil, nil
	}
	rows, err := a.tx.Query(ctx, `
		DELETE FROM secrets
		WHERE id = ANY($1) AND is_replicated = true AND folder_id = $2
		RETURNING id, version`, localIDs, folderID)
	if err != nil {
		return nil, fmt.Errorf("%w: delete replicated secrets: %v", werrors.ErrTransactionFailure, err)
	}
	defer rows.Close()

	var out []model.AppliedChange
	for rows.Next() {
		var id string
		var version int
		if err := rows.Scan(&id, &version); err != nil {
			return nil, fmt.Errorf("%w: scan deleted secret: %v", werrors.ErrTransactionFailure, err)
		}
		out = append(out, model.AppliedChange{ID: id, Version: version, Operation: model.OpDelete})
	}
	return out, rows.Err()
}

func (a *pgxTxAdapter) InsertApprovalRequest(ctx context.Context, req model.ApprovalRequest) error {
	_, err := a.tx.Exec(ctx, `
		INSERT INTO approval_requests (id, folder_id, slug, policy_id, status, has_merged, committer_id, is_replicated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.ID, req.FolderID, req.Slug, req.PolicyID, req.Status, req.HasMerged, req.CommitterID, req.IsReplicated)
	if err != nil {
		return fmt.Errorf("%w: insert approval request: %v", werrors.ErrTransactionFailure, err)
	}
	return nil
}

func (a *pgxTxAdapter) InsertApprovalRequestSecrets(ctx context.Context, secrets []model.ApprovalRequestSecret) error {
	for _, s := range secrets {
		metadataRaw, err := json.Marshal(s.Metadata)
		if err != nil {
			return fmt.Errorf("%w: encode metadata for approval secret: %v", werrors.ErrTransactionFailure, err)
		}
		if _, err := a.tx.Exec(ctx, `
			INSERT INTO approval_request_secrets (id, request_id, op, secret_blind_index, is_replicated,
			                                       key_encoding, algorithm, metadata, skip_multiline_encoding,
			                                       key_iv, key_tag, key_ciphertext,
			                                       value_iv, value_tag, value_ciphertext,
			                                       comment_iv, comment_tag, comment_ciphertext,
			                                       secret_id, secret_version_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			uuid.NewString(), s.RequestID, s.Op, s.SecretBlindIndex, s.IsReplicated,
			s.KeyEncoding, s.Algorithm, metadataRaw, s.SkipMultilineEncoding,
			s.SecretKeyCiphertext.IV, s.SecretKeyCiphertext.Tag, s.SecretKeyCiphertext.Ciphertext,
			s.SecretValueCiphertext.IV, s.SecretValueCiphertext.Tag, s.SecretValueCiphertext.Ciphertext,
			s.SecretCommentCiphertext.IV, s.SecretCommentCiphertext.Tag, s.SecretCommentCiphertext.Ciphertext,
			s.SecretID, s.SecretVersionID); err != nil {
			return fmt.Errorf("%w: insert approval request secret: %v", werrors.ErrTransactionFailure, err)
		}
	}
	return nil
}
