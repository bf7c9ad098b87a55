// Package fsm is the Raft finite state machine (spec §4.5): the command
// dispatcher that applies committed log entries, in order, to the KV map
// and the namespace/config/discovery/cache subsystems, and snapshots/
// restores the durable slice of that state.
//
// Grounded on the teacher's store/store.go Apply/Snapshot/Restore trio,
// generalized from a single SetOperation/GetOperation pair to the full
// command.Kind union, and from bigcache-only state to four cooperating
// subsystems.
package fsm

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/conreg/conreg/internal/cache"
	"github.com/conreg/conreg/internal/command"
	"github.com/conreg/conreg/internal/configstore"
	"github.com/conreg/conreg/internal/discovery"
	"github.com/conreg/conreg/internal/model"
	"github.com/conreg/conreg/internal/namespacestore"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// FSM implements raft.FSM. Every exported method besides Apply/Snapshot/
// Restore is safe to call from any goroutine; Apply is only ever invoked by
// the hashicorp/raft runloop, one entry at a time, in log order.
type FSM struct {
	mu sync.RWMutex
	kv map[string]string

	Namespaces *namespacestore.Store
	Configs    *configstore.Store
	Discovery  *discovery.Engine
	Cache      *cache.Cache

	lastAppliedMu sync.Mutex
	lastApplied   raft.Index

	logger *zap.Logger
}

// New wires an FSM over already-constructed subsystems so the server can
// hold direct references to them for read paths that don't need to go
// through Raft at all (e.g. GET /config/get on a follower).
func New(namespaces *namespacestore.Store, configs *configstore.Store, disc *discovery.Engine, c *cache.Cache) *FSM {
	return &FSM{
		kv:         make(map[string]string),
		Namespaces: namespaces,
		Configs:    configs,
		Discovery:  disc,
		Cache:      c,
		logger:     zap.L().Named("fsm"),
	}
}

// LastApplied returns the index of the most recently applied log entry,
// advanced in-memory per entry and persisted only at snapshot time (spec
// §4.5).
func (f *FSM) LastApplied() raft.Index {
	f.lastAppliedMu.Lock()
	defer f.lastAppliedMu.Unlock()
	return f.lastApplied
}

// Get reads the plain KV map (the Set/Delete command pair), used by
// GET /api/cluster/read.
func (f *FSM) Get(k string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.kv[k]
	return v, ok
}

// Apply decodes and dispatches one committed command. It must never panic:
// malformed or unknown commands are logged and skipped rather than
// propagated, per spec §7 ("errors inside apply are logged and do not
// propagate to other replicas").
func (f *FSM) Apply(l *raft.Log) interface{} {
	defer func() {
		f.lastAppliedMu.Lock()
		f.lastApplied = raft.Index(l.Index)
		f.lastAppliedMu.Unlock()
	}()

	cmd, err := command.Unmarshal(l.Data)
	if err != nil {
		f.logger.Error("failed to decode command, skipping entry", zap.Uint64("index", l.Index), zap.Error(err))
		return err
	}

	if err := f.dispatch(cmd); err != nil {
		f.logger.Error("command handler failed, skipping entry", zap.String("kind", string(cmd.Kind)), zap.Uint64("index", l.Index), zap.Error(err))
		return err
	}
	return nil
}

func (f *FSM) dispatch(cmd command.Command) error {
	switch cmd.Kind {
	case command.KindSet:
		var p command.SetPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		f.mu.Lock()
		f.kv[p.Key] = p.Value
		f.mu.Unlock()
		return nil

	case command.KindDelete:
		var p command.DeletePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		f.mu.Lock()
		delete(f.kv, p.Key)
		f.mu.Unlock()
		return nil

	case command.KindSetConfig, command.KindUpdateConfig:
		var p command.SetConfigPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		f.Configs.Apply(p.Entry)
		return nil

	case command.KindDeleteConfig:
		var p command.DeleteConfigPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		f.Configs.Delete(p.NamespaceID, p.ConfigID)
		return nil

	case command.KindUpsertNamespace:
		var p command.UpsertNamespacePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		f.Namespaces.Upsert(p.Namespace)
		return nil

	case command.KindDeleteNamespace:
		var p command.DeleteNamespacePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		if err := f.Namespaces.Delete(p.NamespaceID); err != nil {
			// reserved-namespace deletes are rejected before replication
			// (spec §8 property 5); if one still arrives here (e.g. mixed
			// version cluster) it's a no-op apply, not a fatal error.
			return nil
		}
		f.Configs.DeleteNamespace(p.NamespaceID)
		return nil

	case command.KindRegisterService:
		var p command.RegisterServicePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		f.Discovery.RegisterService(p.Service)
		return nil

	case command.KindDeregisterService:
		var p command.DeregisterServicePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		f.Discovery.DeregisterService(p.NamespaceID, p.ServiceID)
		return nil

	case command.KindRegisterServiceInstance:
		var p command.RegisterServiceInstancePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		f.Discovery.RegisterInstance(p.Instance)
		return nil

	case command.KindDeregisterServiceInstance:
		var p command.DeregisterServiceInstancePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		f.Discovery.DeregisterInstance(p.NamespaceID, p.ServiceID, p.InstanceID)
		return nil

	case command.KindHeartbeat:
		var p command.HeartbeatPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		f.Discovery.Heartbeat(p.NamespaceID, p.ServiceID, p.InstanceID)
		return nil

	case command.KindCacheWrite:
		var p command.CacheWritePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return err
		}
		return f.Cache.Set(p.Key, []byte(p.Value), p.TTLSeconds)

	default:
		return fmt.Errorf("fsm: unknown command kind %q", cmd.Kind)
	}
}

// snapshotData is the durable slice of state captured at snapshot time:
// the plain KV map, all namespaces, the whole config store (current +
// history), and durable service definitions. Service *instances* are
// excluded by design (spec §9).
type snapshotData struct {
	LastApplied raft.Index                 `json:"last_applied"`
	KV          map[string]string          `json:"kv"`
	Namespaces  []model.Namespace          `json:"namespaces"`
	Configs     configstore.ConfigSnapshot `json:"configs"`
	Services    []model.Service            `json:"services"`
}

type fsmSnapshot struct {
	data snapshotData
}

// Snapshot captures durable state machine data for truncating the log.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	kvCopy := make(map[string]string, len(f.kv))
	for k, v := range f.kv {
		kvCopy[k] = v
	}
	f.mu.RUnlock()

	return &fsmSnapshot{data: snapshotData{
		LastApplied: f.LastApplied(),
		KV:          kvCopy,
		Namespaces:  f.Namespaces.Snapshot(),
		Configs:     f.Configs.Snapshot(),
		Services:    f.Discovery.SnapshotServices(),
	}}, nil
}

// Restore replaces the FSM's state wholesale from a snapshot, then the
// caller (cluster.Node) re-applies any log entries committed after
// LastApplied, per spec §4.5's crash-recovery sequence.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data snapshotData
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("fsm: decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.kv = data.KV
	if f.kv == nil {
		f.kv = make(map[string]string)
	}
	f.mu.Unlock()

	f.Namespaces.LoadSnapshot(data.Namespaces)
	f.Configs.LoadSnapshot(data.Configs)
	f.Discovery.LoadServicesSnapshot(data.Services)

	f.lastAppliedMu.Lock()
	f.lastApplied = data.LastApplied
	f.lastAppliedMu.Unlock()

	return nil
}

// Persist writes the snapshot payload as JSON into the sink hashicorp/raft
// gives us, matching the teacher's snapshot.Persist style (iterate, write,
// cancel-on-error).
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		enc := json.NewEncoder(sink)
		return enc.Encode(s.data)
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// snapshotInterval is exposed through SnapshotInterval for callers wiring
// raft.Config.SnapshotInterval to a value consistent with this package's
// expectations.
const snapshotInterval = 2 * time.Minute

// SnapshotInterval returns the recommended raft.Config.SnapshotInterval.
func SnapshotInterval() time.Duration { return snapshotInterval }
