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
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestAcquireLockAllOrNothing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	keys := []string{LockKey("s1"), LockKey("s2")}
	lock, err := store.AcquireLock(ctx, keys, time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected lock acquisition to succeed, got %v", err)
	}
	defer lock.Release(ctx)

	// A second acquirer contending on an overlapping key set must fail
	// fast rather than partially acquiring s2.
	_, err = store.AcquireLock(ctx, []string{LockKey("s2"), LockKey("s3")}, time.Second, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected contending lock to fail while s2 is held")
	}

	// s3 alone must still be free — proves the failed attempt above
	// rolled back whatever partial state it set.
	lock3, err := store.AcquireLock(ctx, []string{LockKey("s3")}, time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected s3 to still be free: %v", err)
	}
	_ = lock3.Release(ctx)
}

func TestReleaseThenReacquire(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	lock, err := store.AcquireLock(ctx, []string{LockKey("x")}, time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := store.AcquireLock(ctx, []string{LockKey("x")}, time.Second, 50*time.Millisecond); err != nil {
		t.Fatalf("expected reacquisition after release to succeed, got %v", err)
	}
}

func TestSuccessMarkerRoundTrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.HasSucceeded(ctx, "job-1", "import-1")
	if err != nil || ok {
		t.Fatalf("expected no marker yet, got ok=%v err=%v", ok, err)
	}

	if err := store.MarkSuccess(ctx, "job-1", "import-1", 10*time.Second); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}

	ok, err = store.HasSucceeded(ctx, "job-1", "import-1")
	if err != nil || !ok {
		t.Fatalf("expected marker present, got ok=%v err=%v", ok, err)
	}

	mr.FastForward(11 * time.Second)

	ok, err = store.HasSucceeded(ctx, "job-1", "import-1")
	if err != nil || ok {
		t.Fatalf("expected marker expired after TTL, got ok=%v err=%v", ok, err)
	}
}

// TestAcquireLockConcurrentContenders drives real goroutines at the same
// overlapping key set through errgroup: exactly one contender may win the
// lock, and the rest must fail rather than silently interleave partial
// acquisitions.
func TestAcquireLockConcurrentContenders(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const contenders = 8
	keys := []string{LockKey("shared-1"), LockKey("shared-2")}

	var wins int64
	var g errgroup.Group
	locks := make(chan Lock, contenders)
	for i := 0; i < contenders; i++ {
		g.Go(func() error {
			lock, err := store.AcquireLock(ctx, keys, 500*time.Millisecond, 20*time.Millisecond)
			if err != nil {
				return nil
			}
			atomic.AddInt64(&wins, 1)
			locks <- lock
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected goroutine error: %v", err)
	}
	close(locks)

	if wins != 1 {
		t.Fatalf("expected exactly 1 contender to win the overlapping lock, got %d", wins)
	}
	for lock := range locks {
		_ = lock.Release(ctx)
	}

	// Once released, the key set must be acquirable again.
	lock, err := store.AcquireLock(ctx, keys, time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected lock to be free after contenders released it: %v", err)
	}
	_ = lock.Release(ctx)
}

func TestRenewLoopStopsOnContextCancel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.Background(), func() {}
	ctx, cancel = context.WithCancel(ctx)

	lock, err := store.AcquireLock(ctx, []string{LockKey("r1")}, 200*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release(context.Background())

	errc := RenewLoop(ctx, lock, 200*time.Millisecond)
	cancel()

	select {
	case err, ok := <-errc:
		if ok {
			t.Fatalf("expected channel closed with no error after cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected renew loop to stop promptly after cancel")
	}
}
