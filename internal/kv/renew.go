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

package kv

import (
	"context"
	"time"
)

// RenewLoop renews lock to ttl every ttl/2 until ctx is cancelled, per
// SPEC_FULL.md §6's "Lock TTL renewal" — the worker holds a job's locks
// across the entire per-import loop (every PG/KV/APO/DSE call in
// spec.md §5), which can run longer than a single lock TTL.
// Renewal failures are forwarded on the returned channel; the caller
// decides whether to abort the job. The channel is closed when ctx is
// done or renewal permanently fails.
func RenewLoop(ctx context.Context, lock Lock, ttl time.Duration) <-chan error {
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		interval := ttl / 2
		if interval <= 0 {
			interval = ttl
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Renew(ctx, ttl); err != nil {
					select {
					case errc <- err:
					default:
					}
					return
				}
			}
		}
	}()
	return errc
}
