// Package router resolves a configured volume name to a live Volume
// instance, wrapping each backend with a per-volume circuit breaker so a
// wedged backend degrades in isolation rather than blocking every request.
package router

import (
	"context"

	"github.com/backdotai/storage-proxy/internal/apperr"
	"github.com/backdotai/storage-proxy/internal/circuit"
	"github.com/backdotai/storage-proxy/internal/volume"
	"github.com/backdotai/storage-proxy/pkg/health"
)

// Router owns every configured Volume for the lifetime of the process.
type Router struct {
	volumes  map[string]volume.Volume
	breakers *circuit.Manager
	health   *health.Tracker
}

// New builds a Router over the given name -> Volume map. Every volume is
// registered with a shared health tracker so /volumes and future ops
// dashboards can report per-backend degradation independent of the
// circuit breaker's trip/reset cycle.
func New(volumes map[string]volume.Volume, breakerConfig circuit.Config) *Router {
	tracker := health.NewTracker(health.DefaultConfig())
	for name := range volumes {
		tracker.RegisterComponent(name)
	}
	return &Router{
		volumes:  volumes,
		breakers: circuit.NewManager(breakerConfig),
		health:   tracker,
	}
}

// Handle is a scoped reference to a resolved Volume plus the breaker
// guarding it. The scope exists so shutdown can drain in-flight work
// later; for now Release is a no-op hook for that future use.
type Handle struct {
	Volume  volume.Volume
	name    string
	breaker *circuit.CircuitBreaker
	health  *health.Tracker
}

// Release relinquishes the handle. Present for symmetry with Acquire and
// as the hook a draining shutdown sequence would use.
func (h *Handle) Release() {}

// Acquire resolves name to a Handle, or fails with apperr.InvalidVolume if
// no such volume is configured.
func (r *Router) Acquire(ctx context.Context, name string) (*Handle, error) {
	v, ok := r.volumes[name]
	if !ok {
		return nil, apperr.New(apperr.InvalidVolume, "unknown volume: "+name).WithOp("get_volume")
	}
	return &Handle{Volume: v, name: name, breaker: r.breakers.GetBreaker(name), health: r.health}, nil
}

// Do runs fn through the handle's circuit breaker, tripping the breaker on
// repeated failure of this volume without affecting any other volume, and
// records the outcome against the volume's health component.
func (h *Handle) Do(fn func() error) error {
	err := h.breaker.Execute(fn)
	if err != nil {
		h.health.RecordError(h.name, err)
	} else {
		h.health.RecordSuccess(h.name)
	}
	return err
}

// Health returns the per-volume health state, for status reporting.
func (r *Router) Health() *health.Tracker { return r.health }

// BreakerState reports name's circuit breaker state (CLOSED/OPEN/HALF_OPEN)
// for the /volumes listing. Unlike Health, which degrades gradually on a
// rolling error history, this reflects the breaker's own trip/cooldown
// cycle, which only reacts to apperr.ExecutionError/apperr.IO (see
// internal/circuit.ExecutionOrIOFailure).
func (r *Router) BreakerState(name string) circuit.State {
	return r.breakers.GetBreaker(name).GetState()
}

// Names returns the configured volume names, for the /volumes listing.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.volumes))
	for name := range r.volumes {
		names = append(names, name)
	}
	return names
}

// Volume returns the raw Volume for name without going through the
// breaker, for read-only metadata endpoints like /volumes.
func (r *Router) Volume(name string) (volume.Volume, bool) {
	v, ok := r.volumes[name]
	return v, ok
}
