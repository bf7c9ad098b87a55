// Package lb implements the client SDK's instance-selection strategies,
// grounded on original_source/client/src/lb/*.rs: round-robin, weighted
// round-robin, weighted-random, and plain random. All four fall back to
// returning the single instance directly when exactly one exists, and
// error when none exist.
package lb

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/conreg/conreg/internal/model"
)

// ErrNoInstances is returned by every strategy when handed an empty list.
var ErrNoInstances = errors.New("lb: no instances available")

// Strategy picks one instance from a candidate list.
type Strategy interface {
	Pick(instances []model.ServiceInstance) (model.ServiceInstance, error)
}

func single(instances []model.ServiceInstance) (model.ServiceInstance, bool, error) {
	switch len(instances) {
	case 0:
		return model.ServiceInstance{}, false, ErrNoInstances
	case 1:
		return instances[0], true, nil
	default:
		return model.ServiceInstance{}, false, nil
	}
}

func totalWeight(instances []model.ServiceInstance) uint64 {
	var total uint64
	for _, inst := range instances {
		total += inst.Weight()
	}
	return total
}

// RoundRobin cycles through instances in order, one position per call.
// Grounded on original_source/client/src/lb/round.rs.
type RoundRobin struct {
	idx uint64
}

func (r *RoundRobin) Pick(instances []model.ServiceInstance) (model.ServiceInstance, error) {
	if inst, done, err := single(instances); done || err != nil {
		return inst, err
	}
	n := atomic.AddUint64(&r.idx, 1)
	return instances[int(n-1)%len(instances)], nil
}

// WeightedRoundRobin rotates a position modulo the total weight, walking
// instances and accumulating weight until the position falls within an
// instance's share. Grounded on
// original_source/client/src/lb/weight_round.rs.
type WeightedRoundRobin struct {
	pos uint64
}

func (w *WeightedRoundRobin) Pick(instances []model.ServiceInstance) (model.ServiceInstance, error) {
	if inst, done, err := single(instances); done || err != nil {
		return inst, err
	}

	total := totalWeight(instances)
	if total == 0 {
		return model.ServiceInstance{}, ErrNoInstances
	}

	n := atomic.AddUint64(&w.pos, 1)
	target := (n - 1) % total

	var acc uint64
	for _, inst := range instances {
		acc += inst.Weight()
		if target < acc {
			return inst, nil
		}
	}
	return instances[len(instances)-1], nil
}

// WeightedRandom picks a random point in [0, totalWeight) and walks
// instances accumulating weight until the point falls within an
// instance's share. Grounded on
// original_source/client/src/lb/weight_random.rs.
type WeightedRandom struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewWeightedRandom(seed int64) *WeightedRandom {
	return &WeightedRandom{rand: rand.New(rand.NewSource(seed))}
}

func (w *WeightedRandom) Pick(instances []model.ServiceInstance) (model.ServiceInstance, error) {
	if inst, done, err := single(instances); done || err != nil {
		return inst, err
	}

	total := totalWeight(instances)
	if total == 0 {
		return model.ServiceInstance{}, ErrNoInstances
	}

	w.mu.Lock()
	target := uint64(w.rand.Int63n(int64(total)))
	w.mu.Unlock()

	var acc uint64
	for _, inst := range instances {
		acc += inst.Weight()
		if target < acc {
			return inst, nil
		}
	}
	return instances[len(instances)-1], nil
}

// Random picks a uniformly random index. Grounded on
// original_source/client/src/lb/random.rs.
type Random struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewRandom(seed int64) *Random {
	return &Random{rand: rand.New(rand.NewSource(seed))}
}

func (r *Random) Pick(instances []model.ServiceInstance) (model.ServiceInstance, error) {
	if inst, done, err := single(instances); done || err != nil {
		return inst, err
	}
	r.mu.Lock()
	n := r.rand.Intn(len(instances))
	r.mu.Unlock()
	return instances[n], nil
}
