package server

import (
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/vango-dev/uxcore/pkg/protocol"
	"github.com/vango-dev/uxcore/pkg/session"
)

const registryShards = 32

// Registry maps session identifiers to live session contexts.
//
// Entries are spread over independently locked shards, so operations on
// unrelated sessions never wait on each other.
type Registry struct {
	seed   maphash.Seed
	shards [registryShards]registryShard
	limit  int

	// Session count per client address, kept only when perIP is set.
	perIP int
	ipMu  sync.Mutex
	byIP  map[string]int

	active       atomic.Int64
	peak         atomic.Int64
	totalCreated atomic.Int64
	totalRemoved atomic.Int64
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[protocol.SessionID]*session.Context
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	Active       int
	Peak         int
	TotalCreated int64
	TotalRemoved int64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMaxSessionsPerIP caps the sessions registered for one client address.
// Sessions without a known address are not counted. Zero means no limit.
func WithMaxSessionsPerIP(n int) RegistryOption {
	return func(r *Registry) {
		r.perIP = n
	}
}

// NewRegistry creates an empty registry holding at most maxSessions
// sessions. Zero means no limit.
func NewRegistry(maxSessions int, opts ...RegistryOption) *Registry {
	r := &Registry{
		seed:  maphash.MakeSeed(),
		limit: maxSessions,
		byIP:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[protocol.SessionID]*session.Context)
	}
	return r
}

func (r *Registry) shard(id protocol.SessionID) *registryShard {
	var h maphash.Hash
	h.SetSeed(r.seed)
	h.WriteString(id.HTTPSessionID)
	h.WriteByte('/')
	h.WriteString(id.UISessionID)
	return &r.shards[h.Sum64()%registryShards]
}

// Put publishes s under its identifier. A context already registered under
// the same identifier is returned as old and is no longer reachable. Put
// fails with ErrMaxSessionsReached when a new identifier would exceed the
// limit, and with ErrTooManySessionsFromIP when the client address already
// holds its share. Replacing a session is never refused.
func (r *Registry) Put(s *session.Context) (old *session.Context, err error) {
	id := s.ID()
	sh := r.shard(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, replaced := sh.sessions[id]
	if !replaced {
		n := r.active.Add(1)
		if r.limit > 0 && n > int64(r.limit) {
			r.active.Add(-1)
			return nil, ErrMaxSessionsReached
		}
		if !r.acquireIP(clientIP(s)) {
			r.active.Add(-1)
			return nil, ErrTooManySessionsFromIP
		}
		r.updatePeak(n)
	} else {
		r.moveIP(clientIP(old), clientIP(s))
		r.totalRemoved.Add(1)
	}
	sh.sessions[id] = s
	r.totalCreated.Add(1)
	return old, nil
}

func clientIP(s *session.Context) string {
	if info := s.ClientInfo(); info != nil {
		return info.IP()
	}
	return ""
}

func (r *Registry) acquireIP(ip string) bool {
	if r.perIP <= 0 || ip == "" {
		return true
	}
	r.ipMu.Lock()
	defer r.ipMu.Unlock()
	if r.byIP[ip] >= r.perIP {
		return false
	}
	r.byIP[ip]++
	return true
}

func (r *Registry) releaseIP(ip string) {
	if r.perIP <= 0 || ip == "" {
		return
	}
	r.ipMu.Lock()
	defer r.ipMu.Unlock()
	if r.byIP[ip]--; r.byIP[ip] <= 0 {
		delete(r.byIP, ip)
	}
}

// moveIP transfers a count when a refresh arrives from another address.
func (r *Registry) moveIP(from, to string) {
	if from == to || r.perIP <= 0 {
		return
	}
	r.releaseIP(from)
	if to != "" {
		r.ipMu.Lock()
		r.byIP[to]++
		r.ipMu.Unlock()
	}
}

// SessionsForIP returns the number of sessions counted for a client address.
// It is always zero without a per-address limit.
func (r *Registry) SessionsForIP(ip string) int {
	r.ipMu.Lock()
	defer r.ipMu.Unlock()
	return r.byIP[ip]
}

func (r *Registry) updatePeak(n int64) {
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// Get returns the session registered under id.
func (r *Registry) Get(id protocol.SessionID) (*session.Context, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Remove unregisters and returns the session under id. A second Remove for
// the same id returns false.
func (r *Registry) Remove(id protocol.SessionID) (*session.Context, bool) {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[id]
	if !ok {
		return nil, false
	}
	delete(sh.sessions, id)
	r.releaseIP(clientIP(s))
	r.active.Add(-1)
	r.totalRemoved.Add(1)
	return s, true
}

// CompareAndRemove unregisters s only if it is still the session registered
// under its identifier.
func (r *Registry) CompareAndRemove(s *session.Context) bool {
	id := s.ID()
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.sessions[id] != s {
		return false
	}
	delete(sh.sessions, id)
	r.releaseIP(clientIP(s))
	r.active.Add(-1)
	r.totalRemoved.Add(1)
	return true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	return int(r.active.Load())
}

// Range calls fn for every registered session until fn returns false. Shards
// are visited one at a time; fn may call back into the registry.
func (r *Registry) Range(fn func(s *session.Context) bool) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		list := make([]*session.Context, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			list = append(list, s)
		}
		sh.mu.RUnlock()

		for _, s := range list {
			if !fn(s) {
				return
			}
		}
	}
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Active:       int(r.active.Load()),
		Peak:         int(r.peak.Load()),
		TotalCreated: r.totalCreated.Load(),
		TotalRemoved: r.totalRemoved.Load(),
	}
}
