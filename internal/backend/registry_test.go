package backend

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/arbiter"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
)

type nopCharger struct{}

func (nopCharger) SendCommand(ctx context.Context, cmd events.Command) (events.CommandResult, error) {
	return events.CommandResult{Status: "Accepted"}, nil
}

// fakeConsumer records deliveries; full simulates a saturated send queue.
type fakeConsumer struct {
	mu       sync.Mutex
	events   []events.Event
	controls []string
	full     bool
}

func (f *fakeConsumer) DeliverEvent(ev events.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func (f *fakeConsumer) DeliverControl(status string, reason events.ErrorCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, status+":"+string(reason))
}

func (f *fakeConsumer) eventIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.TransactionID
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *arbiter.Engine) {
	t.Helper()
	policy := config.DefaultPolicy()
	policy.RateLimitSeconds = 0
	engine := arbiter.New(policy, nopCharger{}, nil, zap.NewNop())
	return NewRegistry(engine, zap.NewNop()), engine
}

func TestRegisterDuplicateIDConflicts(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.Register("A", &fakeConsumer{}))
	err := r.Register("A", &fakeConsumer{})
	require.Error(t, err)
	assert.Equal(t, events.ErrHandshakeFailed, events.CodeOf(err, ""))

	// The id frees up again after unregistering.
	r.Unregister("A")
	assert.NoError(t, r.Register("A", &fakeConsumer{}))
}

func TestBroadcastOrderAndSubscription(t *testing.T) {
	r, _ := newTestRegistry(t)

	a, b := &fakeConsumer{}, &fakeConsumer{}
	require.NoError(t, r.Register("A", a))
	require.NoError(t, r.Register("B", b))
	r.SetSubscribed("B", false)

	for i := 0; i < 5; i++ {
		r.Broadcast(events.Event{Type: events.TypeMeterSample, TransactionID: strconv.Itoa(i)})
	}

	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, a.eventIDs(), "events arrive once each, in order")
	assert.Empty(t, b.eventIDs(), "unsubscribed backends see nothing")

	r.SetSubscribed("B", true)
	r.Broadcast(events.Event{Type: events.TypeMeterSample, TransactionID: "5"})
	assert.Equal(t, []string{"5"}, b.eventIDs())
}

// A saturated backend loses frames; the others are unaffected.
func TestBroadcastDropIsolation(t *testing.T) {
	r, _ := newTestRegistry(t)

	healthy, stuck := &fakeConsumer{}, &fakeConsumer{full: true}
	require.NoError(t, r.Register("healthy", healthy))
	require.NoError(t, r.Register("stuck", stuck))

	r.Broadcast(events.Event{Type: events.TypeHeartbeat})
	r.Broadcast(events.Event{Type: events.TypeHeartbeat})

	assert.Len(t, healthy.events, 2)
	assert.Empty(t, stuck.events)

	for _, st := range r.Statuses() {
		if st.ID == "stuck" {
			assert.Equal(t, uint64(2), st.Dropped)
		} else {
			assert.Zero(t, st.Dropped)
		}
	}
}

func TestUnregisterReleasesLock(t *testing.T) {
	r, engine := newTestRegistry(t)

	require.NoError(t, r.Register("A", &fakeConsumer{}))
	require.NoError(t, engine.Request("A"))
	assert.Equal(t, "A", engine.Holder())

	r.Unregister("A")
	assert.Empty(t, engine.Holder())
}

func TestControlRevokedReachesConsumer(t *testing.T) {
	r, engine := newTestRegistry(t)

	a := &fakeConsumer{}
	require.NoError(t, r.Register("A", a))
	require.NoError(t, engine.Request("A"))

	engine.ObserveEvent(events.Event{Type: events.TypeStatusChanged, Status: events.StatusFaulted})

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.controls, 1)
	assert.Equal(t, "revoked:ChargerFaulted", a.controls[0])
}

// Scenario S4 ordering: the revocation is queued before the fault event
// that caused it.
func TestRevokedPrecedesFaultEvent(t *testing.T) {
	r, engine := newTestRegistry(t)

	a := &orderedConsumer{}
	require.NoError(t, r.Register("A", a))
	require.NoError(t, engine.Request("A"))

	bus := events.NewBus()
	sub := bus.Subscribe("registry", 16)
	done := make(chan struct{})
	go func() {
		r.Run(sub)
		close(done)
	}()

	bus.Publish(events.Event{Type: events.TypeStatusChanged, Status: events.StatusFaulted})
	bus.Close()
	<-done

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.order, 2)
	assert.Equal(t, "control:revoked:ChargerFaulted", a.order[0])
	assert.Equal(t, "event:StatusChanged", a.order[1])
}

// orderedConsumer records the interleaving of control and event frames.
type orderedConsumer struct {
	mu    sync.Mutex
	order []string
}

func (o *orderedConsumer) DeliverEvent(ev events.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.order = append(o.order, "event:"+string(ev.Type))
	return true
}

func (o *orderedConsumer) DeliverControl(status string, reason events.ErrorCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.order = append(o.order, "control:"+status+":"+string(reason))
}
