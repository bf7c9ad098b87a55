// Package discovery implements the C9 discovery engine: the per-instance
// state machine, heartbeat timing, health classification, eventual cleanup
// and availability filtering described in spec §4.9.
//
// Service *definitions* are durable replicated state (captured by
// fsm.Snapshot); instances are not (spec §9's resolved Open Question) — they
// live only in the in-memory maps here and are re-learned from heartbeats
// after a restart.
package discovery

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/conreg/conreg/internal/model"
	"github.com/conreg/conreg/internal/namespacestore"
	"go.uber.org/zap"
)

const (
	// HeartbeatCheckInterval is how often the health-classification tick
	// runs.
	HeartbeatCheckInterval = 6 * time.Second
	// HeartbeatTimeout is how long since the last heartbeat before an
	// instance is considered to have missed one.
	HeartbeatTimeout = 5 * time.Second
	// CleanupInterval is how often Down instances are evicted from the map.
	CleanupInterval = 10 * time.Second
	// MaxSick is the number of consecutive misses tolerated before an
	// instance is marked Down.
	MaxSick = 3
)

// InstanceID deterministically derives instance_id = md5("ip:port") so that
// re-registering the same endpoint is idempotent.
func InstanceID(ip string, port int) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d", ip, port)))
	return hex.EncodeToString(sum[:])
}

// serviceBucket holds the instances of one service. Reads take a cheap
// RLock and copy; writes (register/deregister/heartbeat/tick) take the
// write lock, serializing per service_id as spec §4.9/§5 requires.
type serviceBucket struct {
	mu        sync.RWMutex
	instances map[string]*model.ServiceInstance
}

func newServiceBucket() *serviceBucket {
	return &serviceBucket{instances: make(map[string]*model.ServiceInstance)}
}

func (b *serviceBucket) snapshot() []model.ServiceInstance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.ServiceInstance, 0, len(b.instances))
	for _, i := range b.instances {
		out = append(out, *i)
	}
	return out
}

// namespaceBucket lazily holds one serviceBucket per service_id, created on
// first access once the namespace itself is known to exist durably.
type namespaceBucket struct {
	mu       sync.Mutex
	services map[string]*serviceBucket
}

func newNamespaceBucket() *namespaceBucket {
	return &namespaceBucket{services: make(map[string]*serviceBucket)}
}

func (n *namespaceBucket) bucket(serviceID string) *serviceBucket {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.services[serviceID]
	if !ok {
		b = newServiceBucket()
		n.services[serviceID] = b
	}
	return b
}

// Engine is the shared, value-shared discovery handle: multiple concurrent
// tasks (HTTP handlers, heartbeat tick, cleanup tick) read/write the same
// maps, synchronized per service_id — not a structural cycle, a
// many-readers/single-writer-per-key resource.
type Engine struct {
	namespaces *namespacestore.Store

	mu  sync.RWMutex
	ns  map[string]*namespaceBucket

	// services holds durable service definitions, replicated via the FSM
	// and present in snapshots (unlike the instance maps above).
	svcMu    sync.RWMutex
	services map[string]map[string]model.Service // namespace_id -> service_id -> Service

	logger *zap.Logger
}

// New constructs an Engine bound to the namespace store used for lazy
// per-namespace materialization.
func New(namespaces *namespacestore.Store) *Engine {
	return &Engine{
		namespaces: namespaces,
		ns:         make(map[string]*namespaceBucket),
		services:   make(map[string]map[string]model.Service),
		logger:     zap.L().Named("discovery"),
	}
}

func (e *Engine) namespaceBucketFor(namespaceID string) *namespaceBucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	nb, ok := e.ns[namespaceID]
	if !ok {
		nb = newNamespaceBucket()
		e.ns[namespaceID] = nb
	}
	return nb
}

// --- durable service definitions ---

// RegisterService upserts a Service definition. Applied only from fsm.Apply.
func (e *Engine) RegisterService(s model.Service) {
	e.svcMu.Lock()
	defer e.svcMu.Unlock()
	byNS, ok := e.services[s.NamespaceID]
	if !ok {
		byNS = make(map[string]model.Service)
		e.services[s.NamespaceID] = byNS
	}
	now := model.NowMillis()
	if existing, ok := byNS[s.ServiceID]; ok {
		s.CreateTime = existing.CreateTime
	} else {
		s.CreateTime = now
	}
	s.UpdateTime = now
	byNS[s.ServiceID] = s
}

// DeregisterService removes the Service definition and all of its
// instances.
func (e *Engine) DeregisterService(namespaceID, serviceID string) {
	e.svcMu.Lock()
	if byNS, ok := e.services[namespaceID]; ok {
		delete(byNS, serviceID)
	}
	e.svcMu.Unlock()

	if nb, ok := e.namespaceBucketOrNil(namespaceID); ok {
		nb.mu.Lock()
		delete(nb.services, serviceID)
		nb.mu.Unlock()
	}
}

func (e *Engine) namespaceBucketOrNil(namespaceID string) (*namespaceBucket, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	nb, ok := e.ns[namespaceID]
	return nb, ok
}

// ListServices returns the durable service definitions in a namespace.
func (e *Engine) ListServices(namespaceID string) []model.Service {
	e.svcMu.RLock()
	defer e.svcMu.RUnlock()
	byNS := e.services[namespaceID]
	out := make([]model.Service, 0, len(byNS))
	for _, s := range byNS {
		out = append(out, s)
	}
	return out
}

// SnapshotServices dumps durable service definitions for fsm.Snapshot.
// Instances are deliberately excluded (spec §9 Open Question resolution).
func (e *Engine) SnapshotServices() []model.Service {
	e.svcMu.RLock()
	defer e.svcMu.RUnlock()
	var out []model.Service
	for _, byNS := range e.services {
		for _, s := range byNS {
			out = append(out, s)
		}
	}
	return out
}

// LoadServicesSnapshot replaces the durable service set, used by
// fsm.Restore. Instance maps are untouched: a restarted/restored replica
// relearns its instances from client heartbeats.
func (e *Engine) LoadServicesSnapshot(all []model.Service) {
	e.svcMu.Lock()
	defer e.svcMu.Unlock()
	e.services = make(map[string]map[string]model.Service)
	for _, s := range all {
		byNS, ok := e.services[s.NamespaceID]
		if !ok {
			byNS = make(map[string]model.Service)
			e.services[s.NamespaceID] = byNS
		}
		byNS[s.ServiceID] = s
	}
}

// --- instances ---

// RegisterInstance inserts or replaces an instance, starting at status
// Ready. Applied only from fsm.Apply.
func (e *Engine) RegisterInstance(inst model.ServiceInstance) {
	if !e.namespaces.Exists(inst.NamespaceID) {
		e.logger.Warn("register instance: unknown namespace, skipping",
			zap.String("namespace_id", inst.NamespaceID))
		return
	}
	b := e.namespaceBucketFor(inst.NamespaceID).bucket(inst.ServiceID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst.Status == "" {
		inst.Status = model.StatusReady
	}
	b.instances[inst.InstanceID] = &inst
}

// DeregisterInstance removes a single instance.
func (e *Engine) DeregisterInstance(namespaceID, serviceID, instanceID string) {
	nb, ok := e.namespaceBucketOrNil(namespaceID)
	if !ok {
		return
	}
	b := nb.bucket(serviceID)
	b.mu.Lock()
	delete(b.instances, instanceID)
	b.mu.Unlock()
}

// Heartbeat resets an instance's miss counter and moves it to Up. No-op if
// the instance is unknown (spec §4.5 Heartbeat command).
func (e *Engine) Heartbeat(namespaceID, serviceID, instanceID string) {
	nb, ok := e.namespaceBucketOrNil(namespaceID)
	if !ok {
		return
	}
	b := nb.bucket(serviceID)
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[instanceID]
	if !ok {
		return
	}
	inst.LastHeartbeat = model.NowMillis()
	inst.LostHeartbeats = 0
	inst.SickCount = 0
	if inst.Status != model.StatusOffline {
		inst.Status = model.StatusUp
	}
}

// ListInstances returns every instance of a service, any status.
func (e *Engine) ListInstances(namespaceID, serviceID string) []model.ServiceInstance {
	nb, ok := e.namespaceBucketOrNil(namespaceID)
	if !ok {
		return nil
	}
	return nb.bucket(serviceID).snapshot()
}

// AvailableInstances returns only instances whose status is Up.
func (e *Engine) AvailableInstances(namespaceID, serviceID string) []model.ServiceInstance {
	all := e.ListInstances(namespaceID, serviceID)
	out := make([]model.ServiceInstance, 0, len(all))
	for _, i := range all {
		if i.Available() {
			out = append(out, i)
		}
	}
	return out
}

// SetOffline/SetOnline implement the admin-driven corners of the state
// machine (spec §4.9: "Any --admin offline--> Offline", "Offline --admin
// online--> Ready"). No HTTP route is defined for these in spec §6; they
// exist for completeness and for tests exercising the full state machine.
func (e *Engine) SetOffline(namespaceID, serviceID, instanceID string) {
	e.transition(namespaceID, serviceID, instanceID, func(i *model.ServiceInstance) {
		i.Status = model.StatusOffline
	})
}

func (e *Engine) SetOnline(namespaceID, serviceID, instanceID string) {
	e.transition(namespaceID, serviceID, instanceID, func(i *model.ServiceInstance) {
		if i.Status == model.StatusOffline {
			i.Status = model.StatusReady
			i.SickCount = 0
			i.LostHeartbeats = 0
		}
	})
}

func (e *Engine) transition(namespaceID, serviceID, instanceID string, fn func(*model.ServiceInstance)) {
	nb, ok := e.namespaceBucketOrNil(namespaceID)
	if !ok {
		return
	}
	b := nb.bucket(serviceID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[instanceID]; ok {
		fn(inst)
	}
}

// --- background ticks ---

// Run starts the heartbeat-check and cleanup tickers; it blocks until ctx
// is canceled, so callers should run it in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	hbTicker := time.NewTicker(HeartbeatCheckInterval)
	cleanupTicker := time.NewTicker(CleanupInterval)
	defer hbTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hbTicker.C:
			e.heartbeatTick()
		case <-cleanupTicker.C:
			e.cleanupTick()
		}
	}
}

func (e *Engine) heartbeatTick() {
	now := time.Now()
	e.forEachBucket(func(b *serviceBucket) {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, inst := range b.instances {
			switch inst.Status {
			case model.StatusUp:
				if missed(now, inst.LastHeartbeat) {
					inst.Status = model.StatusSick
					inst.SickCount = 1
					inst.LostHeartbeats++
				}
			case model.StatusSick:
				if missed(now, inst.LastHeartbeat) {
					inst.LostHeartbeats++
					if inst.SickCount >= MaxSick {
						inst.Status = model.StatusDown
					} else {
						inst.SickCount++
					}
				}
			}
		}
	})
}

func missed(now time.Time, lastHeartbeatMillis int64) bool {
	last := time.UnixMilli(lastHeartbeatMillis)
	return now.Sub(last) > HeartbeatTimeout
}

func (e *Engine) cleanupTick() {
	removed := 0
	e.forEachBucket(func(b *serviceBucket) {
		b.mu.Lock()
		defer b.mu.Unlock()
		for id, inst := range b.instances {
			if inst.Status == model.StatusDown {
				delete(b.instances, id)
				removed++
			}
		}
	})
	if removed > 0 {
		e.logger.Info("cleanup removed dead instances", zap.Int("count", removed))
	}
}

func (e *Engine) forEachBucket(fn func(*serviceBucket)) {
	e.mu.RLock()
	nsBuckets := make([]*namespaceBucket, 0, len(e.ns))
	for _, nb := range e.ns {
		nsBuckets = append(nsBuckets, nb)
	}
	e.mu.RUnlock()

	for _, nb := range nsBuckets {
		nb.mu.Lock()
		svcBuckets := make([]*serviceBucket, 0, len(nb.services))
		for _, b := range nb.services {
			svcBuckets = append(svcBuckets, b)
		}
		nb.mu.Unlock()

		for _, b := range svcBuckets {
			fn(b)
		}
	}
}
