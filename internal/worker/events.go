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

// Event reasons for structured per-import logging, mirroring the
// teacher's EventRecorder reason constants in
// secret_replicator_controller.go. There is no Kubernetes EventRecorder
// in this domain, so these back plain logr.Logger.Info/Error calls
// instead of corev1.Event objects.
const (
	EventReasonImportSucceeded   = "ImportSucceeded"
	EventReasonImportFailed      = "ImportFailed"
	EventReasonImportShortCircuit = "ImportShortCircuit"
	EventReasonApprovalCreated   = "ApprovalRequestCreated"
	EventReasonJobAborted        = "JobAborted"
	EventReasonJobNoOp           = "JobNoOp"
)
