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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"

	"github.com/guided-traffic/replication-worker/internal/werrors"
)

// HTTPOracle calls the approval-policy service over HTTP. A gobreaker
// circuit breaker sits in front of the call so a flaky policy service
// degrades to TransientCollaboratorFailure quickly instead of stalling
// the per-import loop on every retry.
type HTTPOracle struct {
	baseURL  string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	validate *validator.Validate
}

// NewHTTPOracle builds an Oracle against baseURL (e.g.
// "http://approval-policy.internal").
func NewHTTPOracle(baseURL string, client *http.Client) *HTTPOracle {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPOracle{
		baseURL: baseURL,
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "approval-policy-oracle",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		validate: validator.New(),
	}
}

type policyResponse struct {
	PolicyID *string `json:"policyId"`
}

func (o *HTTPOracle) ResolvePolicy(ctx context.Context, projectID, environmentSlug, folderPath string) (*Policy, error) {
	result, err := o.breaker.Execute(func() (interface{}, error) {
		return o.doResolve(ctx, projectID, environmentSlug, folderPath)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: resolve approval policy: %v", werrors.ErrTransientCollaborator, err)
	}
	if result == nil {
		return nil, nil
	}
	return result.(*Policy), nil
}

func (o *HTTPOracle) doResolve(ctx context.Context, projectID, environmentSlug, folderPath string) (*Policy, error) {
	u := fmt.Sprintf("%s/api/v1/approval-policies/resolve?%s", o.baseURL, url.Values{
		"projectId":       {projectID},
		"environmentSlug": {environmentSlug},
		"folderPath":      {folderPath},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body policyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if body.PolicyID == nil || *body.PolicyID == "" {
		return nil, nil
	}

	p := &Policy{PolicyID: *body.PolicyID}
	if err := o.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid policy response: %w", err)
	}
	return p, nil
}
