// Package portproxy implements spec.md §4.5: an in-container registry of
// exposed TCP ports and a reverse proxy that forwards a path-prefixed
// request to the matching local port.
package portproxy

import (
	"time"

	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
)

// Status is one of ExposedPort's two states (spec.md §3).
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ExposedPort is spec.md §3's ExposedPort record.
type ExposedPort struct {
	Port      int       `json:"port"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`

	lastActivity time.Time
}

// Registry exclusively owns every ExposedPort entry (spec.md §3
// "Ownership").
type Registry struct {
	mu    deadlock.Mutex
	ports map[int]*ExposedPort
}

// NewRegistry builds an empty port registry.
func NewRegistry() *Registry {
	return &Registry{ports: make(map[int]*ExposedPort)}
}

// minPort/maxPort bound the "user-addressable range" spec.md §3 names;
// validation of any stricter policy is the external validator's job
// (spec.md §1 "Out of scope").
const (
	minPort = 1
	maxPort = 65535
)

// ExposePort implements spec.md §4.5's exposePort.
func (r *Registry) ExposePort(port int, name string) (ExposedPort, error) {
	if port < minPort || port > maxPort {
		return ExposedPort{}, apierrors.New(apierrors.InvalidPort, "port out of range", map[string]any{"port": port})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ports[port]; exists {
		return ExposedPort{}, apierrors.New(apierrors.PortAlreadyExposed, "port already exposed", map[string]any{"port": port})
	}

	now := time.Now()
	entry := &ExposedPort{Port: port, Name: name, Timestamp: now, Status: StatusActive, lastActivity: now}
	r.ports[port] = entry
	return *entry, nil
}

// UnexposePort implements spec.md §4.5's unexposePort.
func (r *Registry) UnexposePort(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ports[port]; !exists {
		return apierrors.New(apierrors.PortNotExposed, "port not exposed", map[string]any{"port": port})
	}
	delete(r.ports, port)
	return nil
}

// ListPorts implements spec.md §4.5's listPorts.
func (r *Registry) ListPorts() []ExposedPort {
	r.mu.Lock()
	entries := lo.Values(r.ports)
	r.mu.Unlock()

	out := make([]ExposedPort, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out
}

// Lookup reports whether port is currently registered.
func (r *Registry) Lookup(port int) (ExposedPort, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ports[port]
	if !ok {
		return ExposedPort{}, false
	}
	return *e, true
}

// Touch records activity on port, used by the proxy handler to keep
// cleanupInactive from reaping ports still receiving traffic.
func (r *Registry) Touch(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.ports[port]; ok {
		e.lastActivity = time.Now()
	}
}

// MarkInactive implements spec.md §4.5's markInactive.
func (r *Registry) MarkInactive(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ports[port]
	if !ok {
		return apierrors.New(apierrors.PortNotExposed, "port not exposed", map[string]any{"port": port})
	}
	e.Status = StatusInactive
	return nil
}

// CleanupInactive implements spec.md §4.5's cleanupInactive: delete
// inactive entries whose last activity precedes olderThan, returning the
// count removed. Active entries are kept regardless of age.
func (r *Registry) CleanupInactive(olderThan time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for port, e := range r.ports {
		if e.Status == StatusInactive && e.lastActivity.Before(olderThan) {
			delete(r.ports, port)
			removed++
		}
	}
	return removed
}
