package charger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp/v16"
)

// fakeConn is an in-memory Conn: frames pushed with inject() come out of
// ReadMessage; writes are captured.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}

	mu     sync.Mutex
	writes [][]byte
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) inject(frame string) { c.in <- []byte(frame) }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return 1, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
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

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) write(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[i]
}

func startSession(t *testing.T) (*Session, *fakeConn, *events.Subscription, chan struct{}) {
	t.Helper()
	conn := newFakeConn()
	bus := events.NewBus()
	sub := bus.Subscribe("test", 64)
	session := NewSession("cp-1", conn, v16.NewAdapter(), bus, zap.NewNop())

	done := make(chan struct{})
	go func() {
		session.Run()
		close(done)
	}()
	// First event is always ChargerConnected.
	ev := <-sub.C
	require.Equal(t, events.TypeChargerConnected, ev.Type)
	require.Equal(t, "cp-1", ev.ChargerID)
	return session, conn, sub, done
}

func TestInboundCallProducesResultAndEvent(t *testing.T) {
	session, conn, sub, done := startSession(t)

	conn.inject(`[2,"100","StartTransaction",{"connectorId":1,"idTag":"ABC","meterStart":1000,"timestamp":"2024-05-04T12:00:00Z"}]`)

	ev := <-sub.C
	assert.Equal(t, events.TypeTransactionStarted, ev.Type)
	assert.Equal(t, "cp-1", ev.ChargerID)
	assert.Equal(t, "ABC", ev.IDTag)

	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	msgType, id, _, payload, err := ocpp.ParseMessage(conn.write(0))
	require.NoError(t, err)
	assert.Equal(t, ocpp.MessageTypeCallResult, msgType)
	assert.Equal(t, "100", id)
	assert.Contains(t, string(payload), `"transactionId"`)

	session.Close()
	<-done
}

func TestUnknownActionAnsweredWithCallError(t *testing.T) {
	session, conn, _, done := startSession(t)

	conn.inject(`[2,"5","DataTransfer",{"vendorId":"X"}]`)

	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	msgType, id, code, _, err := ocpp.ParseMessage(conn.write(0))
	require.NoError(t, err)
	assert.Equal(t, ocpp.MessageTypeCallError, msgType)
	assert.Equal(t, "5", id)
	assert.Equal(t, "NotImplemented", code)

	session.Close()
	<-done
}

func TestMalformedFrameWithRecoverableID(t *testing.T) {
	session, conn, _, done := startSession(t)

	// Array of unknown shape, but the message id survives.
	conn.inject(`[7,"66","Nonsense"]`)

	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	msgType, id, code, _, err := ocpp.ParseMessage(conn.write(0))
	require.NoError(t, err)
	assert.Equal(t, ocpp.MessageTypeCallError, msgType)
	assert.Equal(t, "66", id)
	assert.Equal(t, "InvalidFrame", code)

	session.Close()
	<-done
}

func TestUnrecoverableFrameClosesConnection(t *testing.T) {
	_, conn, sub, done := startSession(t)

	conn.inject(`this is not json`)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not close on unrecoverable frame")
	}

	// Disconnect event follows on the bus.
	for ev := range sub.C {
		if ev.Type == events.TypeChargerDisconnected {
			return
		}
	}
	t.Fatal("no ChargerDisconnected event")
}

func TestCallCompletedByResult(t *testing.T) {
	session, conn, _, done := startSession(t)

	type callResult struct {
		payload json.RawMessage
		err     error
	}
	got := make(chan callResult, 1)
	go func() {
		payload, err := session.Call(context.Background(), "Reset", map[string]string{"type": "Soft"})
		got <- callResult{payload, err}
	}()

	// The outbound call appears on the wire with the adapter's first id.
	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	msgType, id, action, _, err := ocpp.ParseMessage(conn.write(0))
	require.NoError(t, err)
	assert.Equal(t, ocpp.MessageTypeCall, msgType)
	assert.Equal(t, "1", id)
	assert.Equal(t, "Reset", action)

	conn.inject(`[3,"1",{"status":"Accepted"}]`)

	select {
	case res := <-got:
		require.NoError(t, res.err)
		assert.JSONEq(t, `{"status":"Accepted"}`, string(res.payload))
	case <-time.After(time.Second):
		t.Fatal("call never completed")
	}

	session.Close()
	<-done
}

func TestCallCompletedByCallError(t *testing.T) {
	session, conn, _, done := startSession(t)

	got := make(chan error, 1)
	go func() {
		_, err := session.Call(context.Background(), "Reset", map[string]string{"type": "Hard"})
		got <- err
	}()

	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	conn.inject(`[4,"1","NotSupported","no can do",{}]`)

	select {
	case err := <-got:
		require.Error(t, err)
		assert.Equal(t, events.ErrorCode("NotSupported"), events.CodeOf(err, ""))
	case <-time.After(time.Second):
		t.Fatal("call never completed")
	}

	session.Close()
	<-done
}

func TestCallTimesOut(t *testing.T) {
	session, conn, _, done := startSession(t)
	session.callTimeout = 30 * time.Millisecond

	_, err := session.Call(context.Background(), "Reset", map[string]string{"type": "Hard"})
	require.Error(t, err)
	assert.Equal(t, events.ErrCallTimeout, events.CodeOf(err, ""))
	assert.GreaterOrEqual(t, conn.writeCount(), 1)

	session.Close()
	<-done
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	session, conn, _, done := startSession(t)

	got := make(chan error, 1)
	go func() {
		_, err := session.Call(context.Background(), "Reset", map[string]string{"type": "Hard"})
		got <- err
	}()
	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 5*time.Millisecond)

	session.Close()
	<-done

	select {
	case err := <-got:
		assert.Equal(t, events.ErrConnectionLost, events.CodeOf(err, ""))
	case <-time.After(time.Second):
		t.Fatal("pending call not failed on disconnect")
	}
}

func TestSendCommandDecodesResult(t *testing.T) {
	session, conn, _, done := startSession(t)

	got := make(chan events.CommandResult, 1)
	go func() {
		res, err := session.SendCommand(context.Background(), events.Command{
			Type: events.CommandRemoteStart, IDTag: "ABC", ConnectorID: 1,
		})
		require.NoError(t, err)
		got <- res
	}()

	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	_, id, action, _, err := ocpp.ParseMessage(conn.write(0))
	require.NoError(t, err)
	assert.Equal(t, "RemoteStartTransaction", action)

	conn.inject(`[3,"` + id + `",{"status":"Accepted"}]`)

	select {
	case res := <-got:
		assert.Equal(t, "Accepted", res.Status)
	case <-time.After(time.Second):
		t.Fatal("command never completed")
	}

	session.Close()
	<-done
}

func TestManagerRejectsSecondCharger(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	bus := events.NewBus()

	first := NewSession("cp-1", newFakeConn(), v16.NewAdapter(), bus, zap.NewNop())
	require.NoError(t, mgr.Attach(first))

	second := NewSession("cp-2", newFakeConn(), v16.NewAdapter(), bus, zap.NewNop())
	assert.Error(t, mgr.Attach(second))

	first.Close()
	assert.Nil(t, mgr.Current())
	require.NoError(t, mgr.Attach(second))
}

func TestManagerSendCommandWithoutCharger(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	_, err := mgr.SendCommand(context.Background(), events.Command{Type: events.CommandRemoteStop})
	assert.Equal(t, events.ErrChargerUnavailable, events.CodeOf(err, ""))
}
