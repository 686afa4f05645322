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
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// These tests exercise scanSecretVersion/scanSecret against a
// sqlmock-backed *sql.Rows rather than a live pgx connection: both
// satisfy the narrow rowScanner contract (Scan(dest ...any) error), so
// sqlmock lets us pin down the column order and metadata decoding
// without a real Postgres instance.
func TestScanSecretVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	cols := []string{
		"id", "secret_id", "version", "latest_replicated_version", "is_replicated",
		"secret_blind_index", "type", "key_encoding", "algorithm", "metadata",
		"skip_multiline_encoding",
		"key_iv", "key_tag", "key_ciphertext",
		"value_iv", "value_tag", "value_ciphertext",
		"comment_iv", "comment_tag", "comment_ciphertext",
	}
	rows := sqlmock.NewRows(cols).AddRow(
		"ver-1", "sec-1", 2, 1, true,
		"bi-1", "shared", "utf8", "aes-256-gcm", []byte(`{"owner":"team-a"}`),
		false,
		"iv-k", "tag-k", "ct-k",
		"iv-v", "tag-v", "ct-v",
		"iv-c", "tag-c", "ct-c",
	)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	sqlRows, err := db.Query("SELECT")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer sqlRows.Close()

	if !sqlRows.Next() {
		t.Fatalf("expected one row")
	}
	v, err := scanSecretVersion(sqlRows)
	if err != nil {
		t.Fatalf("scanSecretVersion: %v", err)
	}

	if v.SecretID != "sec-1" || v.Version != 2 || v.LatestReplicatedVersion != 1 {
		t.Errorf("unexpected scan result: %+v", v)
	}
	if v.SecretBlindIndex == nil || *v.SecretBlindIndex != "bi-1" {
		t.Errorf("expected blind index bi-1, got %v", v.SecretBlindIndex)
	}
	if v.Metadata["owner"] != "team-a" {
		t.Errorf("expected metadata decoded, got %+v", v.Metadata)
	}
	if v.SecretValueCiphertext.Ciphertext != "ct-v" {
		t.Errorf("expected value ciphertext ct-v, got %q", v.SecretValueCiphertext.Ciphertext)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestScanSecretNullMetadata(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	cols := []string{
		"id", "folder_id", "secret_blind_index", "type", "version", "is_replicated",
		"key_encoding", "algorithm", "metadata", "skip_multiline_encoding",
		"key_iv", "key_tag", "key_ciphertext",
		"value_iv", "value_tag", "value_ciphertext",
		"comment_iv", "comment_tag", "comment_ciphertext",
	}
	rows := sqlmock.NewRows(cols).AddRow(
		"sec-1", "folder-1", "bi-1", "shared", 1, true,
		"utf8", "aes-256-gcm", nil, false,
		"iv-k", "tag-k", "ct-k",
		"iv-v", "tag-v", "ct-v",
		"iv-c", "tag-c", "ct-c",
	)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	sqlRows, err := db.Query("SELECT")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer sqlRows.Close()

	if !sqlRows.Next() {
		t.Fatalf("expected one row")
	}
	s, err := scanSecret(sqlRows)
	if err != nil {
		t.Fatalf("scanSecret: %v", err)
	}
	if s.Metadata != nil {
		t.Errorf("expected nil metadata to stay nil, got %+v", s.Metadata)
	}
	if s.ID != "sec-1" || s.FolderID != "folder-1" {
		t.Errorf("unexpected scan result: %+v", s)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
