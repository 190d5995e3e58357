package arbiter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
)

type fakeCharger struct {
	mu    sync.Mutex
	calls []events.Command
	block bool // when set, SendCommand waits for ctx cancellation
}

func (f *fakeCharger) SendCommand(ctx context.Context, cmd events.Command) (events.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	block := f.block
	f.mu.Unlock()

	if block {
		// Mirror charger.Session.SendCommand: a cancellation of ctx comes
		// back as a plain top-level error, not a CommandResult.Err.
		<-ctx.Done()
		return events.CommandResult{}, fmt.Errorf("call cancelled: %w", ctx.Err())
	}
	return events.CommandResult{Status: "Accepted"}, nil
}

type notification struct {
	kind   string // granted | revoked
	id     string
	reason events.ErrorCode
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (f *fakeNotifier) ControlGranted(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, notification{kind: "granted", id: id})
}

func (f *fakeNotifier) ControlRevoked(id string, reason events.ErrorCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, notification{kind: "revoked", id: id, reason: reason})
}

func (f *fakeNotifier) last() notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.notes) == 0 {
		return notification{}
	}
	return f.notes[len(f.notes)-1]
}

type fixedPresence bool

func (p fixedPresence) IsPresent() bool { return bool(p) }

func newEngine(t *testing.T, policy config.Policy, presence PresenceSource) (*Engine, *fakeCharger, *fakeNotifier) {
	t.Helper()
	ch := &fakeCharger{}
	e := New(policy, ch, presence, zap.NewNop())
	n := &fakeNotifier{}
	e.SetNotifier(n)
	return e, ch, n
}

func basePolicy() config.Policy {
	p := config.DefaultPolicy()
	p.RateLimitSeconds = 0
	return p
}

func TestRequestGrantsFreeLock(t *testing.T) {
	e, _, n := newEngine(t, basePolicy(), nil)

	require.NoError(t, e.Request("A"))
	state, holder, _ := e.Snapshot()
	assert.Equal(t, StateHeld, state)
	assert.Equal(t, "A", holder)
	assert.Equal(t, "granted", n.last().kind)
}

func TestSecondRequestIsAlreadyHeld(t *testing.T) {
	e, _, _ := newEngine(t, basePolicy(), nil)

	require.NoError(t, e.Request("A"))
	err := e.Request("B")
	assert.Equal(t, events.ErrAlreadyHeld, events.CodeOf(err, ""))
}

// Scenario S2: the preferred provider preempts any other holder; the old
// holder is revoked with Preempted before the new grant lands.
func TestPreferredProviderPreempts(t *testing.T) {
	p := basePolicy()
	p.PreferredProvider = "P"
	e, _, n := newEngine(t, p, nil)

	require.NoError(t, e.Request("X"))
	require.NoError(t, e.Request("P"))

	_, holder, _ := e.Snapshot()
	assert.Equal(t, "P", holder)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.notes, 3)
	assert.Equal(t, notification{kind: "granted", id: "X"}, n.notes[0])
	assert.Equal(t, notification{kind: "revoked", id: "X", reason: events.ErrPreempted}, n.notes[1])
	assert.Equal(t, notification{kind: "granted", id: "P"}, n.notes[2])
}

func TestPreferredProviderCannotBePreempted(t *testing.T) {
	p := basePolicy()
	p.PreferredProvider = "P"
	e, _, _ := newEngine(t, p, nil)

	require.NoError(t, e.Request("P"))
	err := e.Request("P")
	assert.Equal(t, events.ErrAlreadyHeld, events.CodeOf(err, ""))
}

func TestSharedChargingDisabled(t *testing.T) {
	p := basePolicy()
	p.AllowSharedCharging = false
	p.PreferredProvider = "P"
	e, _, _ := newEngine(t, p, nil)

	err := e.Request("Q")
	assert.Equal(t, events.ErrProviderNotAllowed, events.CodeOf(err, ""))
	require.NoError(t, e.Request("P"))
}

func TestProviderLists(t *testing.T) {
	p := basePolicy()
	p.DisallowedProviders = []string{"evil"}
	p.AllowedProviders = []string{"good", "fine"}
	e, _, _ := newEngine(t, p, nil)

	assert.Equal(t, events.ErrProviderBlocked, events.CodeOf(e.Request("evil"), ""))
	assert.Equal(t, events.ErrProviderNotAllowed, events.CodeOf(e.Request("stranger"), ""))
	require.NoError(t, e.Request("good"))
}

// A request arriving rate_limit_seconds-1 after the previous one is
// rejected, and the rejection itself re-arms the limiter.
func TestRateLimitBoundary(t *testing.T) {
	p := basePolicy()
	p.RateLimitSeconds = 10
	e, _, _ := newEngine(t, p, nil)

	now := time.Date(2024, 5, 4, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	require.NoError(t, e.Request("A"))
	require.NoError(t, e.Release("A"))

	now = now.Add(9 * time.Second)
	err := e.Request("A")
	assert.Equal(t, events.ErrRateLimited, events.CodeOf(err, ""))

	// 18s after the grant but only 9s after the rejected attempt: the
	// rejection re-armed the limiter, so this is still too soon.
	now = now.Add(9 * time.Second)
	assert.Equal(t, events.ErrRateLimited, events.CodeOf(e.Request("A"), ""))

	now = now.Add(10 * time.Second)
	require.NoError(t, e.Request("A"))
}

// Scenario S3: while the presence source reports home, only the preferred
// provider may take the lock.
func TestPresenceGate(t *testing.T) {
	p := basePolicy()
	p.PreferredProvider = "P"
	p.PresenceSensor = "person.owner"
	e, _, _ := newEngine(t, p, fixedPresence(true))

	err := e.Request("Q")
	assert.Equal(t, events.ErrPresenceBlocked, events.CodeOf(err, ""))
	require.NoError(t, e.Request("P"))
}

func TestPresenceGateOpenWhenAway(t *testing.T) {
	p := basePolicy()
	p.PreferredProvider = "P"
	p.PresenceSensor = "person.owner"
	e, _, _ := newEngine(t, p, fixedPresence(false))

	require.NoError(t, e.Request("Q"))
}

// Scenario S4: a charger fault suspends the lock, revokes the holder with
// ChargerFaulted and rejects all requests until the charger recovers.
func TestFaultSuspendsLock(t *testing.T) {
	e, _, n := newEngine(t, basePolicy(), nil)
	require.NoError(t, e.Request("A"))

	e.ObserveEvent(events.Event{Type: events.TypeStatusChanged, Status: events.StatusFaulted})

	state, holder, _ := e.Snapshot()
	assert.Equal(t, StateSuspended, state)
	assert.Empty(t, holder)
	assert.Equal(t, notification{kind: "revoked", id: "A", reason: events.ErrChargerFaulted}, n.last())

	err := e.Request("B")
	assert.Equal(t, events.ErrChargerFaulted, events.CodeOf(err, ""))

	e.ObserveEvent(events.Event{Type: events.TypeStatusChanged, Status: events.StatusAvailable})
	state, _, _ = e.Snapshot()
	assert.Equal(t, StateFree, state)
	require.NoError(t, e.Request("B"))
}

func TestChargerDisconnectFreesLock(t *testing.T) {
	e, _, n := newEngine(t, basePolicy(), nil)
	require.NoError(t, e.Request("A"))

	e.ObserveEvent(events.Event{Type: events.TypeChargerDisconnected})

	state, _, _ := e.Snapshot()
	assert.Equal(t, StateFree, state)
	assert.Equal(t, notification{kind: "revoked", id: "A", reason: events.ErrConnectionLost}, n.last())
}

func TestOverrideRevokesAndBlocks(t *testing.T) {
	e, _, n := newEngine(t, basePolicy(), nil)
	require.NoError(t, e.Request("A"))

	e.SetOverride(true)
	assert.Equal(t, notification{kind: "revoked", id: "A", reason: events.ErrUserOverride}, n.last())

	assert.Equal(t, events.ErrUserOverride, events.CodeOf(e.Request("B"), ""))
	_, err := e.Command("A", events.Command{Type: events.CommandRemoteStop})
	assert.Equal(t, events.ErrUserOverride, events.CodeOf(err, ""))

	e.SetOverride(false)
	require.NoError(t, e.Request("B"))
}

func TestCommandRequiresLock(t *testing.T) {
	e, ch, _ := newEngine(t, basePolicy(), nil)
	require.NoError(t, e.Request("A"))

	_, err := e.Command("B", events.Command{Type: events.CommandRemoteStop})
	assert.Equal(t, events.ErrNotLockHolder, events.CodeOf(err, ""))

	res, err := e.Command("A", events.Command{Type: events.CommandRemoteStart, IDTag: "TAG"})
	require.NoError(t, err)
	assert.Equal(t, "Accepted", res.Status)
	require.Len(t, ch.calls, 1)
	assert.Equal(t, events.CommandRemoteStart, ch.calls[0].Type)
}

func TestInFlightCommandPreempted(t *testing.T) {
	p := basePolicy()
	p.PreferredProvider = "P"
	e, ch, _ := newEngine(t, p, nil)
	ch.block = true

	require.NoError(t, e.Request("X"))

	done := make(chan error, 1)
	go func() {
		_, err := e.Command("X", events.Command{Type: events.CommandRemoteStop, TransactionID: "1"})
		done <- err
	}()

	// Wait until the command is in flight, then preempt.
	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return len(ch.calls) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Request("P"))

	select {
	case err := <-done:
		assert.Equal(t, events.ErrPreempted, events.CodeOf(err, ""))
	case <-time.After(time.Second):
		t.Fatal("preempted command never returned")
	}
}

func TestReleaseByNonHolder(t *testing.T) {
	e, _, _ := newEngine(t, basePolicy(), nil)
	require.NoError(t, e.Request("A"))

	err := e.Release("B")
	assert.Equal(t, events.ErrNotLockHolder, events.CodeOf(err, ""))
}

func TestBackendGoneReleasesLock(t *testing.T) {
	e, _, _ := newEngine(t, basePolicy(), nil)
	require.NoError(t, e.Request("A"))

	e.BackendGone("A")
	state, _, _ := e.Snapshot()
	assert.Equal(t, StateFree, state)
}
