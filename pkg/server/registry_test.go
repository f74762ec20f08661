package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/vango-dev/uxcore/pkg/dispatch"
	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/session"
	"github.com/vango-dev/uxcore/pkg/strand"
)

func newBareSession(t *testing.T, pool *strand.Pool, id protocol.SessionID) *session.Context {
	t.Helper()
	exec := dispatch.ExecutorFunc(func(context.Context, protocol.SessionID, []*protocol.Command) error { return nil })
	return session.New(session.Options{
		ID:         id,
		Strand:     pool.NewStrand(id.String()),
		Dispatcher: dispatch.New(id, exec),
		Logger:     testLogger(),
	})
}

func newTestPool(t *testing.T) *strand.Pool {
	t.Helper()
	pool := strand.NewPool(&strand.PoolConfig{Workers: 4}, testLogger())
	t.Cleanup(pool.Close)
	return pool
}

func TestRegistryPutGetRemove(t *testing.T) {
	pool := newTestPool(t)
	r := NewRegistry(0)
	s := newBareSession(t, pool, sid("s1"))

	old, err := r.Put(s)
	if err != nil || old != nil {
		t.Fatalf("Put() = %v, %v; want nil, nil", old, err)
	}
	if got, ok := r.Get(sid("s1")); !ok || got != s {
		t.Fatal("Get() did not return the registered session")
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	if got, ok := r.Remove(sid("s1")); !ok || got != s {
		t.Fatal("Remove() did not return the registered session")
	}
	if _, ok := r.Remove(sid("s1")); ok {
		t.Fatal("second Remove() should report false")
	}
	if _, ok := r.Get(sid("s1")); ok {
		t.Fatal("Get() after Remove() should fail")
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistryPutReplaces(t *testing.T) {
	pool := newTestPool(t)
	r := NewRegistry(1)
	first := newBareSession(t, pool, sid("s1"))
	second := newBareSession(t, pool, sid("s1"))

	if _, err := r.Put(first); err != nil {
		t.Fatal(err)
	}
	old, err := r.Put(second)
	if err != nil {
		t.Fatalf("replacing Put() error = %v", err)
	}
	if old != first {
		t.Fatal("Put() should return the replaced session")
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	// A stale context must not remove its replacement.
	if r.CompareAndRemove(first) {
		t.Fatal("CompareAndRemove(stale) = true")
	}
	if !r.CompareAndRemove(second) {
		t.Fatal("CompareAndRemove(current) = false")
	}
}

func TestRegistryLimit(t *testing.T) {
	pool := newTestPool(t)
	r := NewRegistry(2)
	for i := 0; i < 2; i++ {
		if _, err := r.Put(newBareSession(t, pool, sid(fmt.Sprint(i)))); err != nil {
			t.Fatal(err)
		}
	}
	_, err := r.Put(newBareSession(t, pool, sid("over")))
	if !errors.Is(err, ErrMaxSessionsReached) {
		t.Fatalf("Put() over limit error = %v", err)
	}
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
	if _, ok := r.Get(sid("over")); ok {
		t.Fatal("rejected session is registered")
	}
}

func TestRegistryRangeAndStats(t *testing.T) {
	pool := newTestPool(t)
	r := NewRegistry(0)
	const n = 50
	for i := 0; i < n; i++ {
		if _, err := r.Put(newBareSession(t, pool, sid(fmt.Sprint(i)))); err != nil {
			t.Fatal(err)
		}
	}

	seen := 0
	r.Range(func(s *session.Context) bool {
		seen++
		// Callbacks may mutate the registry.
		r.CompareAndRemove(s)
		return true
	})
	if seen != n {
		t.Fatalf("Range visited %d sessions, want %d", seen, n)
	}

	stats := r.Stats()
	if stats.Active != 0 || stats.Peak != n || stats.TotalCreated != n || stats.TotalRemoved != n {
		t.Fatalf("Stats() = %+v", stats)
	}

	stopped := 0
	if _, err := r.Put(newBareSession(t, pool, sid("a"))); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Put(newBareSession(t, pool, sid("b"))); err != nil {
		t.Fatal(err)
	}
	r.Range(func(*session.Context) bool {
		stopped++
		return false
	})
	if stopped != 1 {
		t.Fatalf("Range after false visited %d, want 1", stopped)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	pool := newTestPool(t)
	r := NewRegistry(0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := sid(fmt.Sprintf("%d-%d", i, j))
				s := newBareSession(t, pool, id)
				if _, err := r.Put(s); err != nil {
					t.Error(err)
					return
				}
				if got, ok := r.Get(id); !ok || got != s {
					t.Errorf("Get(%v) failed", id)
				}
				if j%2 == 0 {
					r.Remove(id)
				}
			}
		}(i)
	}
	wg.Wait()

	if got := r.Count(); got != 16*25 {
		t.Fatalf("Count() = %d, want %d", got, 16*25)
	}
}

func newSessionFromIP(t *testing.T, pool *strand.Pool, id protocol.SessionID, ip string) *session.Context {
	t.Helper()
	exec := dispatch.ExecutorFunc(func(context.Context, protocol.SessionID, []*protocol.Command) error { return nil })
	return session.New(session.Options{
		ID:         id,
		Client:     session.NewClientInfo(&protocol.ClientSnapshot{IP: ip}),
		Strand:     pool.NewStrand(id.String()),
		Dispatcher: dispatch.New(id, exec),
		Logger:     testLogger(),
	})
}

func TestRegistryMaxSessionsPerIP(t *testing.T) {
	pool := newTestPool(t)
	r := NewRegistry(0, WithMaxSessionsPerIP(2))

	for _, ui := range []string{"a", "b"} {
		if _, err := r.Put(newSessionFromIP(t, pool, sid(ui), "10.0.0.1")); err != nil {
			t.Fatalf("Put(%s) error = %v", ui, err)
		}
	}
	if _, err := r.Put(newSessionFromIP(t, pool, sid("c"), "10.0.0.1")); !errors.Is(err, ErrTooManySessionsFromIP) {
		t.Fatalf("third Put() error = %v, want ErrTooManySessionsFromIP", err)
	}
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}

	// Other addresses and unknown addresses are unaffected.
	if _, err := r.Put(newSessionFromIP(t, pool, sid("d"), "10.0.0.2")); err != nil {
		t.Fatalf("Put(other ip) error = %v", err)
	}
	if _, err := r.Put(newBareSession(t, pool, sid("e"))); err != nil {
		t.Fatalf("Put(no ip) error = %v", err)
	}

	// Replacing a session at the limit is allowed.
	if _, err := r.Put(newSessionFromIP(t, pool, sid("a"), "10.0.0.1")); err != nil {
		t.Fatalf("replacing Put() error = %v", err)
	}
	if got := r.SessionsForIP("10.0.0.1"); got != 2 {
		t.Fatalf("SessionsForIP = %d, want 2", got)
	}

	// Removing frees a slot.
	if _, ok := r.Remove(sid("b")); !ok {
		t.Fatal("Remove(b) failed")
	}
	if _, err := r.Put(newSessionFromIP(t, pool, sid("c"), "10.0.0.1")); err != nil {
		t.Fatalf("Put after Remove error = %v", err)
	}
}

func TestRegistryRefreshMovesIPCount(t *testing.T) {
	pool := newTestPool(t)
	r := NewRegistry(0, WithMaxSessionsPerIP(1))

	first := newSessionFromIP(t, pool, sid("a"), "10.0.0.1")
	if _, err := r.Put(first); err != nil {
		t.Fatal(err)
	}
	moved := newSessionFromIP(t, pool, sid("a"), "10.0.0.2")
	if _, err := r.Put(moved); err != nil {
		t.Fatalf("refresh from a new address error = %v", err)
	}
	if r.SessionsForIP("10.0.0.1") != 0 || r.SessionsForIP("10.0.0.2") != 1 {
		t.Fatalf("counts = %d/%d, want 0/1", r.SessionsForIP("10.0.0.1"), r.SessionsForIP("10.0.0.2"))
	}
	if !r.CompareAndRemove(moved) {
		t.Fatal("CompareAndRemove failed")
	}
	if r.SessionsForIP("10.0.0.2") != 0 {
		t.Fatalf("count after remove = %d, want 0", r.SessionsForIP("10.0.0.2"))
	}
}
