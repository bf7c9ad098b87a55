// Package configstore implements the C8 configuration store: current
// entries keyed by (namespace_id, config_id), append-only history rows with
// deterministic ids, and a change broadcaster feeding long-poll /config/watch
// handlers. All mutation happens from inside fsm.Apply; the broadcaster is
// the one piece of asynchronous, notification-only fan-out the spec allows
// outside of strict log-order apply.
package configstore

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/conreg/conreg/internal/command"
	"github.com/conreg/conreg/internal/model"
)

type key struct {
	ns  string
	cfg string
}

// change is published to watchers on every successful apply that touches a
// config row.
type change struct {
	NamespaceID string
	ConfigID    string
}

// Store holds current config rows, their history, and the broadcaster.
// entry_id allocation is itself part of replicated state (nextID) so
// every replica allocates identical ids for identical command sequences.
type Store struct {
	mu      sync.RWMutex
	current map[key]model.ConfigEntry
	history map[key][]model.ConfigHistory
	byID    map[int64]model.ConfigHistory // history_id -> row, for recover()
	nextID  int64

	subMu sync.Mutex
	subs  map[string][]chan string // namespace_id -> listeners, each fed a config_id
}

// New returns an empty config store.
func New() *Store {
	return &Store{
		current: make(map[key]model.ConfigEntry),
		history: make(map[key][]model.ConfigHistory),
		byID:    make(map[int64]model.ConfigHistory),
		subs:    make(map[string][]chan string),
	}
}

// Get returns the current entry for (namespaceID, configID).
func (s *Store) Get(namespaceID, configID string) (model.ConfigEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.current[key{namespaceID, configID}]
	return e, ok
}

// List returns all current entries in a namespace, optionally filtered by a
// substring of the config id or description.
func (s *Store) List(namespaceID, filterText string) []model.ConfigEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ConfigEntry
	for k, e := range s.current {
		if k.ns != namespaceID {
			continue
		}
		if filterText != "" && !containsFold(e.ConfigID, filterText) && !containsFold(e.Description, filterText) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Histories returns the history rows for (namespaceID, configID), newest
// first.
func (s *Store) Histories(namespaceID, configID string) []model.ConfigHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.history[key{namespaceID, configID}]
	out := make([]model.ConfigHistory, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r
	}
	return out
}

// HistoryByID looks up a single history row for recover().
func (s *Store) HistoryByID(historyID int64) (model.ConfigHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byID[historyID]
	return h, ok
}

// MD5Of computes the content digest used for upsert dedup.
func MD5Of(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// PrepareUpsert computes what the apply step needs to persist: whether the
// write is a no-op (md5 unchanged), and the ConfigEntry to replicate
// otherwise (with entry_id/create_time carried over on update). This runs
// on the submitting node before proposing to Raft (spec: upsert_and_sync
// computes MD5 and may short-circuit without replicating).
func (s *Store) PrepareUpsert(namespaceID, configID, content, description, format string) (entry model.ConfigEntry, noop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	md5sum := MD5Of(content)
	now := model.NowMillis()

	if existing, ok := s.current[key{namespaceID, configID}]; ok {
		if existing.MD5 == md5sum {
			return existing, true
		}
		return model.ConfigEntry{
			EntryID: existing.EntryID, NamespaceID: namespaceID, ConfigID: configID,
			Content: content, Format: format, Description: description,
			MD5: md5sum, CreateTime: existing.CreateTime, UpdateTime: now,
		}, false
	}

	s.nextID++
	return model.ConfigEntry{
		EntryID: s.nextID, NamespaceID: namespaceID, ConfigID: configID,
		Content: content, Format: format, Description: description,
		MD5: md5sum, CreateTime: now, UpdateTime: now,
	}, false
}

// Apply commits a SetConfig/UpdateConfig entry: inserts/updates the current
// row, appends a deterministic history row, and notifies watchers. Called
// only from fsm.Apply, on every replica, in log order.
func (s *Store) Apply(e model.ConfigEntry) {
	s.mu.Lock()
	k := key{e.NamespaceID, e.ConfigID}
	s.current[k] = e
	if e.EntryID > s.nextID {
		s.nextID = e.EntryID
	}

	hid := command.HistoryID(e.EntryID, e.UpdateTime)
	h := model.ConfigHistory{
		HistoryID: hid, EntryID: e.EntryID, NamespaceID: e.NamespaceID, ConfigID: e.ConfigID,
		Content: e.Content, Format: e.Format, Description: e.Description,
		MD5: e.MD5, CreateTime: e.UpdateTime,
	}
	s.history[k] = append(s.history[k], h)
	s.byID[hid] = h
	s.mu.Unlock()

	s.publish(e.NamespaceID, e.ConfigID)
}

// Delete removes the current row and its history for (namespaceID, configID).
func (s *Store) Delete(namespaceID, configID string) {
	s.mu.Lock()
	k := key{namespaceID, configID}
	delete(s.current, k)
	for _, h := range s.history[k] {
		delete(s.byID, h.HistoryID)
	}
	delete(s.history, k)
	s.mu.Unlock()
}

// DeleteNamespace cascades: removes every current/history row in
// namespaceID.
func (s *Store) DeleteNamespace(namespaceID string) {
	s.mu.Lock()
	for k := range s.current {
		if k.ns == namespaceID {
			delete(s.current, k)
		}
	}
	for k, rows := range s.history {
		if k.ns == namespaceID {
			for _, h := range rows {
				delete(s.byID, h.HistoryID)
			}
			delete(s.history, k)
		}
	}
	s.mu.Unlock()
}

// Watch blocks until a change lands in namespaceID or timeout elapses,
// returning the changed config_id (or "" on timeout). The HTTP handler
// caps timeout at 29s, under the client's 35s watch deadline.
func (s *Store) Watch(namespaceID string, timeout time.Duration) string {
	ch := make(chan string, 1)
	s.subMu.Lock()
	s.subs[namespaceID] = append(s.subs[namespaceID], ch)
	s.subMu.Unlock()

	defer s.unsubscribe(namespaceID, ch)

	select {
	case id := <-ch:
		return id
	case <-time.After(timeout):
		return ""
	}
}

func (s *Store) unsubscribe(namespaceID string, ch chan string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	list := s.subs[namespaceID]
	for i, c := range list {
		if c == ch {
			s.subs[namespaceID] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (s *Store) publish(namespaceID, configID string) {
	s.subMu.Lock()
	listeners := append([]chan string(nil), s.subs[namespaceID]...)
	s.subMu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- configID:
		default:
		}
	}
}

// ConfigSnapshot is the serializable form of the whole config store,
// included verbatim in FSM snapshots.
type ConfigSnapshot struct {
	Current []model.ConfigEntry   `json:"current"`
	History []model.ConfigHistory `json:"history"`
	NextID  int64                 `json:"next_id"`
}

// Snapshot dumps the entire store for fsm.Snapshot.
func (s *Store) Snapshot() ConfigSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := ConfigSnapshot{NextID: s.nextID}
	for _, e := range s.current {
		out.Current = append(out.Current, e)
	}
	for _, rows := range s.history {
		out.History = append(out.History, rows...)
	}
	return out
}

// LoadSnapshot replaces the whole store's contents, used by fsm.Restore.
// It does not touch watch subscriptions.
func (s *Store) LoadSnapshot(snap ConfigSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = make(map[key]model.ConfigEntry, len(snap.Current))
	for _, e := range snap.Current {
		s.current[key{e.NamespaceID, e.ConfigID}] = e
	}
	s.history = make(map[key][]model.ConfigHistory)
	s.byID = make(map[int64]model.ConfigHistory, len(snap.History))
	for _, h := range snap.History {
		k := key{h.NamespaceID, h.ConfigID}
		s.history[k] = append(s.history[k], h)
		s.byID[h.HistoryID] = h
	}
	s.nextID = snap.NextID
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
