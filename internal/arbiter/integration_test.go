package arbiter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/charger"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp/v16"
)

// wireConn is an in-memory charger.Conn: frames pushed with inject() come
// out of ReadMessage, writes are captured for inspection.
type wireConn struct {
	in     chan []byte
	closed chan struct{}

	mu     sync.Mutex
	writes [][]byte
	once   sync.Once
}

func newWireConn() *wireConn {
	return &wireConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *wireConn) inject(frame string) { c.in <- []byte(frame) }

func (c *wireConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return 1, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *wireConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *wireConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *wireConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *wireConn) write(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[i]
}

// startRealCharger wires a live charger.Session through a charger.Manager,
// exactly as main does.
func startRealCharger(t *testing.T) (*charger.Manager, *wireConn) {
	t.Helper()
	conn := newWireConn()
	bus := events.NewBus()
	session := charger.NewSession("cp-1", conn, v16.NewAdapter(), bus, zap.NewNop())

	mgr := charger.NewManager(zap.NewNop())
	require.NoError(t, mgr.Attach(session))

	done := make(chan struct{})
	go func() {
		session.Run()
		close(done)
	}()
	t.Cleanup(func() {
		session.Close()
		<-done
		bus.Close()
	})
	return mgr, conn
}

// A command that is in flight on the real charger session when the
// preferred provider preempts the holder comes back as Preempted, not as a
// timeout. This exercises the production error path end to end:
// Engine.Command -> charger.Manager -> charger.Session.Call.
func TestPreemptionCancelsInFlightCommandOnRealSession(t *testing.T) {
	mgr, conn := startRealCharger(t)

	policy := basePolicy()
	policy.PreferredProvider = "P"
	engine := New(policy, mgr, nil, zap.NewNop())
	notifier := &fakeNotifier{}
	engine.SetNotifier(notifier)

	require.NoError(t, engine.Request("X"))

	done := make(chan error, 1)
	go func() {
		_, err := engine.Command("X", events.Command{Type: events.CommandRemoteStop, TransactionID: "1"})
		done <- err
	}()

	// Wait until the RemoteStopTransaction call is on the wire, then
	// preempt while the charger has not answered yet.
	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	msgType, _, action, _, err := ocpp.ParseMessage(conn.write(0))
	require.NoError(t, err)
	require.Equal(t, ocpp.MessageTypeCall, msgType)
	require.Equal(t, "RemoteStopTransaction", action)

	require.NoError(t, engine.Request("P"))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, events.ErrPreempted, events.CodeOf(err, ""))
	case <-time.After(time.Second):
		t.Fatal("preempted command never returned")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.GreaterOrEqual(t, len(notifier.notes), 2)
	assert.Equal(t, notification{kind: "revoked", id: "X", reason: events.ErrPreempted}, notifier.notes[1])
}

// The same wiring with the override toggle: activation cancels the
// holder's in-flight command with Preempted.
func TestOverrideCancelsInFlightCommandOnRealSession(t *testing.T) {
	mgr, conn := startRealCharger(t)

	engine := New(basePolicy(), mgr, nil, zap.NewNop())
	engine.SetNotifier(&fakeNotifier{})

	require.NoError(t, engine.Request("A"))

	done := make(chan error, 1)
	go func() {
		_, err := engine.Command("A", events.Command{Type: events.CommandReset, ResetType: "Soft"})
		done <- err
	}()

	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	engine.SetOverride(true)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, events.ErrPreempted, events.CodeOf(err, ""))
	case <-time.After(time.Second):
		t.Fatal("cancelled command never returned")
	}
}

// When nothing revokes the grant, the real session's answer flows back
// through the engine untouched.
func TestCommandCompletesOnRealSession(t *testing.T) {
	mgr, conn := startRealCharger(t)

	engine := New(basePolicy(), mgr, nil, zap.NewNop())
	engine.SetNotifier(&fakeNotifier{})

	require.NoError(t, engine.Request("A"))

	type outcome struct {
		res events.CommandResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := engine.Command("A", events.Command{Type: events.CommandRemoteStart, IDTag: "TAG", ConnectorID: 1})
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	_, id, action, _, err := ocpp.ParseMessage(conn.write(0))
	require.NoError(t, err)
	require.Equal(t, "RemoteStartTransaction", action)

	conn.inject(`[3,"` + id + `",{"status":"Accepted"}]`)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, "Accepted", got.res.Status)
		assert.Nil(t, got.res.Err)
	case <-time.After(time.Second):
		t.Fatal("command never completed")
	}
}
