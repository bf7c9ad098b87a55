// Package raftlog wraps github.com/tidwall/raft-fastlog — the ordered,
// persistent replicated log (spec C1) and stable store (votes,
// last-purged-log-id) — exactly as the teacher's store.go constructs it,
// generalized to take a real on-disk path instead of ":memory:" so log
// entries survive a process restart.
package raftlog

import (
	"fmt"
	"io"

	fastlog "github.com/tidwall/raft-fastlog"
	"github.com/hashicorp/raft"
)

// Store is the durable log + stable store pair handed to raft.NewRaft.
// hashicorp/raft's LogStore interface already provides the operations spec
// §4.1 names: StoreLogs (append), GetLog (range read), DeleteRange covers
// both truncate_from (tail) and purge_through (head) depending on which end
// is passed.
type Store struct {
	*fastlog.FastLogStore
}

// Open creates (or reopens) the log store at path. Pass ":memory:" for a
// non-durable store, used in tests.
func Open(path string, logOutput io.Writer) (*Store, error) {
	if logOutput == nil {
		logOutput = io.Discard
	}
	fl, err := fastlog.NewFastLogStore(path, fastlog.Medium, logOutput)
	if err != nil {
		return nil, fmt.Errorf("raftlog: open %s: %w", path, err)
	}
	return &Store{FastLogStore: fl}, nil
}

// State reports (first, last) log indices currently retained, i.e. what
// spec §4.1's get_state() exposes for /api/cluster/metrics.
func (s *Store) State() (first, last uint64, err error) {
	first, err = s.FirstIndex()
	if err != nil {
		return 0, 0, err
	}
	last, err = s.LastIndex()
	if err != nil {
		return 0, 0, err
	}
	return first, last, nil
}

var _ raft.LogStore = (*Store)(nil)
var _ raft.StableStore = (*Store)(nil)
