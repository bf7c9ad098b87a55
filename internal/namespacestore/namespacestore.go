// Package namespacestore is the lazy cache over the durable namespace table
// (spec §4.7). It is mutated only from inside fsm.Apply and read from any
// replica; authorization never needs to reach the leader.
package namespacestore

import (
	"errors"
	"sync"

	"github.com/conreg/conreg/internal/model"
)

// ErrReserved is returned when a caller attempts to delete the "public"
// namespace.
var ErrReserved = errors.New("namespacestore: public namespace is reserved")

// Store holds the current namespace set. It is a plain in-memory map kept
// in sync with the FSM's applied commands; the durable copy lives in the
// state machine's own snapshot (namespaces are small so they're kept
// whole, unlike configs which are also indexed separately).
type Store struct {
	mu sync.RWMutex
	ns map[string]model.Namespace
}

// New returns a Store pre-seeded with the always-present "public"
// namespace.
func New() *Store {
	s := &Store{ns: make(map[string]model.Namespace)}
	now := model.NowMillis()
	s.ns[model.PublicNamespace] = model.Namespace{
		ID: model.PublicNamespace, Name: model.PublicNamespace,
		CreateTime: now, UpdateTime: now,
	}
	return s
}

// Get returns the namespace by id, if it exists.
func (s *Store) Get(id string) (model.Namespace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.ns[id]
	return n, ok
}

// Exists is a fast existence check used by other subsystems (e.g.
// discovery's lazy per-namespace materialization) before trusting a
// namespace_id.
func (s *Store) Exists(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// List returns a snapshot slice of all namespaces.
func (s *Store) List() []model.Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Namespace, 0, len(s.ns))
	for _, n := range s.ns {
		out = append(out, n)
	}
	return out
}

// Upsert inserts or replaces a namespace. Called only from fsm.Apply.
func (s *Store) Upsert(n model.Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.ns[n.ID]; ok {
		n.CreateTime = existing.CreateTime
	} else {
		n.CreateTime = model.NowMillis()
	}
	n.UpdateTime = model.NowMillis()
	s.ns[n.ID] = n
}

// Delete removes a namespace. Returns ErrReserved for "public" without
// mutating state. The HTTP handler (httpapi's handleNamespaceDelete)
// rejects "public" before proposing the command, but the check is
// repeated here so replay is still safe if it ever did slip through.
func (s *Store) Delete(id string) error {
	if id == model.PublicNamespace {
		return ErrReserved
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ns, id)
	return nil
}

// Auth authorizes a namespace-scoped read: true iff the namespace doesn't
// require auth, or presented matches its token exactly.
func (s *Store) Auth(namespaceID, presented string) bool {
	n, ok := s.Get(namespaceID)
	if !ok {
		return false
	}
	return n.Auth(presented)
}

// Snapshot returns every namespace for inclusion in an FSM snapshot.
func (s *Store) Snapshot() []model.Namespace { return s.List() }

// LoadSnapshot replaces the whole namespace set, used by fsm.Restore.
func (s *Store) LoadSnapshot(all []model.Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ns = make(map[string]model.Namespace, len(all))
	for _, n := range all {
		s.ns[n.ID] = n
	}
	if _, ok := s.ns[model.PublicNamespace]; !ok {
		now := model.NowMillis()
		s.ns[model.PublicNamespace] = model.Namespace{ID: model.PublicNamespace, Name: model.PublicNamespace, CreateTime: now, UpdateTime: now}
	}
}
