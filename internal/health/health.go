// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/circuitbreaker"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	// Degraded subsystems are reported but do not make the service unhealthy.
	Degraded bool   `json:"degraded,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry. Each checker gets at most
// timeout to answer (default 2s).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results. Degraded results do not flip
// the aggregate.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		st := nc.check(cctx)
		cancel()
		if st.Name == "" {
			st.Name = nc.name
		}
		statuses[i] = st
		if !st.Healthy && !st.Degraded {
			healthy = false
		}
	}

	return healthy, statuses
}

// DBChecker pings a database.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// CapacityChecker reports occupancy of a bounded component. It is degraded
// above 90% and never unhealthy: eviction keeps the ceiling.
func CapacityChecker(name string, used func() int, capacity int) Checker {
	return func(ctx context.Context) Status {
		n := used()
		if capacity <= 0 {
			return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%d entries (unbounded)", n)}
		}
		st := Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%d/%d entries", n, capacity)}
		if n*10 >= capacity*9 {
			st.Healthy = false
			st.Degraded = true
		}
		return st
	}
}

// BreakerChecker reports the circuit state of a dependency. An open circuit
// is degraded, not unhealthy: the pipeline falls back to HOLD.
func BreakerChecker(name string, b *circuitbreaker.Breaker, key string) Checker {
	return func(ctx context.Context) Status {
		state := b.State(key)
		st := Status{Name: name, Healthy: state == circuitbreaker.StateClosed, Detail: "circuit " + state.String()}
		if !st.Healthy {
			st.Degraded = true
		}
		return st
	}
}

// CircuitsChecker reports every circuit b has seen. Any open or half-open
// circuit marks the subsystem degraded and is named in the detail.
func CircuitsChecker(name string, b *circuitbreaker.Breaker) Checker {
	return func(ctx context.Context) Status {
		snap := b.Snapshot()
		var tripped []string
		for key, state := range snap {
			if state != circuitbreaker.StateClosed {
				tripped = append(tripped, key+"="+state.String())
			}
		}
		if len(tripped) == 0 {
			return Status{Name: name, Healthy: true, Detail: fmt.Sprintf("%d circuits closed", len(snap))}
		}
		sort.Strings(tripped)
		return Status{
			Name:     name,
			Degraded: true,
			Detail:   fmt.Sprintf("%d/%d circuits tripped: %s", len(tripped), len(snap), strings.Join(tripped, ", ")),
		}
	}
}
