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

package approval

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPOracleResolvePolicy(t *testing.T) {
	tests := []struct {
		name       string
		respStatus int
		respBody   string
		wantNil    bool
		wantPolicy string
		wantErr    bool
	}{
		{
			name:       "policy bound",
			respStatus: http.StatusOK,
			respBody:   `{"policyId":"pol-1"}`,
			wantPolicy: "pol-1",
		},
		{
			name:       "no policy found",
			respStatus: http.StatusNotFound,
			wantNil:    true,
		},
		{
			name:       "no policy bound with empty id",
			respStatus: http.StatusOK,
			respBody:   `{"policyId":null}`,
			wantNil:    true,
		},
		{
			name:       "server error surfaces as transient",
			respStatus: http.StatusInternalServerError,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.respStatus)
				if tt.respBody != "" {
					w.Write([]byte(tt.respBody))
				}
			}))
			defer srv.Close()

			oracle := NewHTTPOracle(srv.URL, srv.Client())
			policy, err := oracle.ResolvePolicy(context.Background(), "proj-1", "prod", "/app")

			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if policy != nil {
					t.Errorf("expected nil policy, got %+v", policy)
				}
				return
			}
			if policy == nil || policy.PolicyID != tt.wantPolicy {
				t.Errorf("expected policy %q, got %+v", tt.wantPolicy, policy)
			}
		})
	}
}
