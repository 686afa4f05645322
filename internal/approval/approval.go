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

// Package approval is the Approval Policy Oracle (APO) contract: given
// (projectId, environmentSlug, folderPath), it returns either a bound
// policy or none. It is consulted as a black box, per spec.md §1.
package approval

import "context"

// Policy is the bound approval policy for a destination folder.
type Policy struct {
	PolicyID string `json:"policyId" validate:"required"`
}

// Oracle resolves the approval policy bound to a destination, if any.
// A nil Policy with a nil error means "no policy bound".
type Oracle interface {
	ResolvePolicy(ctx context.Context, projectID, environmentSlug, folderPath string) (*Policy, error)
}
