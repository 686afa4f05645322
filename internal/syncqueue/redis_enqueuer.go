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

package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/guided-traffic/replication-worker/internal/werrors"
)

// StreamName is the Redis stream backing the SyncSecrets queue.
const StreamName = "SecretReplication:sync-secrets"

// dedupeTTL bounds how long a dedup hint suppresses a repeat enqueue;
// long enough to cover one cascading fan-out burst, short enough that a
// genuinely new change a few minutes later is never swallowed.
const dedupeTTL = 2 * time.Minute

// RedisEnqueuer publishes to the SyncSecrets stream over go-redis/v9,
// sharing the same client as the KV store per spec.md §6 ("no other
// consumers write to this namespace" for locks/idempotency; the sync
// stream is a sibling namespace on the same Redis). A gobreaker circuit
// breaker sits in front of the dedupe check and the stream write, the
// same way HTTPOracle guards the approval-policy call, so a wedged
// Redis degrades to TransientCollaboratorFailure instead of stalling
// the per-import loop on every cascading enqueue.
type RedisEnqueuer struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRedisEnqueuer wraps an already-configured redis client.
func NewRedisEnqueuer(client *redis.Client) *RedisEnqueuer {
	return &RedisEnqueuer{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "downstream-sync-enqueuer",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (e *RedisEnqueuer) Enqueue(ctx context.Context, msg Message) error {
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.enqueue(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("%w: enqueue sync message: %v", werrors.ErrTransientCollaborator, err)
	}
	return nil
}

func (e *RedisEnqueuer) enqueue(ctx context.Context, msg Message) error {
	if dup, err := e.isDuplicate(ctx, msg); err != nil {
		return err
	} else if dup {
		return nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
}

// isDuplicate claims one SET NX key built from the job's two dedup hint
// lists joined in order. The first enqueuer to claim that key wins; a
// later message carrying the identical hint lists observes a duplicate
// and skips, which is what keeps a wide cascading replication from
// storming the sync queue. Messages whose hint lists differ in any
// element, or only overlap, use different keys and are not suppressed.
func (e *RedisEnqueuer) isDuplicate(ctx context.Context, msg Message) (bool, error) {
	hints := append(append([]string{}, msg.DeDupeReplicationQueue...), msg.DeDupeQueue...)
	if len(hints) == 0 {
		return false, nil
	}

	key := "SecretReplication:dedupe:" + strings.Join(hints, ",")
	ok, err := e.client.SetNX(ctx, key, "1", dedupeTTL).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
