// Package backend tracks the consumers competing for the charger: inbound
// control-protocol clients and outbound OCPP clients. The registry owns the
// fan-out of charger events and is the only writer on each backend socket.
package backend

import (
	"sync"

	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/arbiter"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/metrics"
)

// ConnState is a backend's connection state.
type ConnState string

const (
	StateConnecting   ConnState = "Connecting"
	StateConnected    ConnState = "Connected"
	StateDisconnected ConnState = "Disconnected"
	StateFailed       ConnState = "Failed"
)

// Consumer is one backend's delivery surface. DeliverEvent must not block;
// it reports false when the frame was dropped. DeliverControl carries lock
// transitions.
type Consumer interface {
	DeliverEvent(ev events.Event) bool
	DeliverControl(status string, reason events.ErrorCode)
}

type entry struct {
	id         string
	consumer   Consumer
	state      ConnState
	subscribed bool
	dropped    uint64
}

// Status is one backend's row in the /status document.
type Status struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Subscribed bool   `json:"subscribed"`
	Dropped    uint64 `json:"dropped,omitempty"`
}

// Registry is the process-wide backend set.
type Registry struct {
	engine *arbiter.Engine
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string // broadcast order: registration order
}

// NewRegistry creates an empty registry and wires itself into the engine as
// its notifier.
func NewRegistry(engine *arbiter.Engine, logger *zap.Logger) *Registry {
	r := &Registry{
		engine:  engine,
		logger:  logger,
		entries: make(map[string]*entry),
	}
	engine.SetNotifier(r)
	return r
}

// Register adds a backend. Subscription defaults to true on connect; a
// duplicate id is a conflict.
func (r *Registry) Register(id string, c Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return events.NewError(events.ErrHandshakeFailed, "backend id %s already registered", id)
	}
	r.entries[id] = &entry{id: id, consumer: c, state: StateConnected, subscribed: true}
	r.order = append(r.order, id)
	metrics.ActiveBackends.Inc()
	r.logger.Info("backend registered", zap.String("backend_id", id))
	return nil
}

// Unregister removes a backend and releases the lock if it was the holder.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	if _, exists := r.entries[id]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	metrics.ActiveBackends.Dec()
	r.engine.BackendGone(id)
	r.logger.Info("backend unregistered", zap.String("backend_id", id))
}

// SetSubscribed flips a backend's event subscription.
func (r *Registry) SetSubscribed(id string, subscribed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.subscribed = subscribed
	}
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Broadcast delivers ev to every subscribed backend, once each, in
// registration order. A backend whose queue is full loses the frame; the
// charger and the other backends are unaffected.
func (r *Registry) Broadcast(ev events.Event) {
	r.mu.Lock()
	targets := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entries[id]; e != nil && e.subscribed {
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	for _, e := range targets {
		if !e.consumer.DeliverEvent(ev) {
			r.mu.Lock()
			e.dropped++
			r.mu.Unlock()
			metrics.EventsDropped.Inc()
			r.logger.Warn("event dropped, backend queue full",
				zap.String("backend_id", e.id),
				zap.String("event", string(ev.Type)))
		}
	}
	metrics.EventsBroadcast.Inc()
}

// Run consumes the charger event stream: the engine observes each event
// first (fault revocations precede their cause in every backend's queue),
// then the event fans out. Returns when the subscription closes.
func (r *Registry) Run(sub *events.Subscription) {
	for ev := range sub.C {
		r.engine.ObserveEvent(ev)
		r.Broadcast(ev)
	}
}

// ControlGranted implements arbiter.Notifier. The grant frame itself is the
// reply on the granted backend's own connection; here is only bookkeeping.
func (r *Registry) ControlGranted(id string) {
	metrics.ControlRequests.WithLabelValues("granted").Inc()
}

// ControlRevoked implements arbiter.Notifier.
func (r *Registry) ControlRevoked(id string, reason events.ErrorCode) {
	r.mu.Lock()
	e := r.entries[id]
	r.mu.Unlock()
	if e != nil {
		e.consumer.DeliverControl("revoked", reason)
	}
	metrics.ControlRequests.WithLabelValues("revoked").Inc()
}

// Statuses returns a stable-order snapshot for the status surface.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		out = append(out, Status{
			ID:         e.id,
			State:      string(e.state),
			Subscribed: e.subscribed,
			Dropped:    e.dropped,
		})
	}
	return out
}
