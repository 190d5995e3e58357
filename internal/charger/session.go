// Package charger owns the single live charger connection: the read loop,
// the serialized writer, and the pending-call table that matches outbound
// Calls to their CallResult/CallError.
package charger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
)

// DefaultCallTimeout bounds every outbound OCPP call.
const DefaultCallTimeout = 30 * time.Second

// Conn is the subset of *websocket.Conn the session uses. Tests substitute
// an in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type callReply struct {
	payload  json.RawMessage
	wireCode string // CallError code from the charger, "" on success
	wireDesc string
	localErr *events.ProxyError // CallTimeout / ConnectionLost
}

type pendingCall struct {
	action string
	ch     chan callReply
}

// Session is one live charger connection.
type Session struct {
	ID      string
	adapter ocpp.Adapter

	conn   Conn
	bus    *events.Bus
	logger *zap.Logger

	callTimeout time.Duration

	mu       sync.Mutex
	pending  map[string]*pendingCall
	status   events.ChargerStatus
	lastSeen time.Time

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*Session)
}

// NewSession wraps an upgraded charger connection. Run must be called to
// start the read and write loops.
func NewSession(id string, conn Conn, adapter ocpp.Adapter, bus *events.Bus, logger *zap.Logger) *Session {
	return &Session{
		ID:          id,
		adapter:     adapter,
		conn:        conn,
		bus:         bus,
		logger:      logger,
		callTimeout: DefaultCallTimeout,
		pending:     make(map[string]*pendingCall),
		status:      events.StatusUnknown,
		lastSeen:    time.Now(),
		sendCh:      make(chan []byte, 32),
		done:        make(chan struct{}),
	}
}

// Version reports the negotiated wire version.
func (s *Session) Version() ocpp.Version { return s.adapter.Version() }

// Status returns the last status the charger reported.
func (s *Session) Status() events.ChargerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastSeen returns the time of the last frame from the charger.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Run services the connection until it closes. It publishes
// ChargerConnected first and ChargerDisconnected on the way out.
func (s *Session) Run() {
	s.bus.Publish(events.Event{
		Type:      events.TypeChargerConnected,
		Timestamp: time.Now(),
		ChargerID: s.ID,
		Version:   string(s.adapter.Version()),
	})

	go s.writeLoop()
	s.readLoop()
	s.Close()

	s.bus.Publish(events.Event{
		Type:      events.TypeChargerDisconnected,
		Timestamp: time.Now(),
		ChargerID: s.ID,
	})
}

// Close tears the session down: the socket is closed and every pending call
// completes with ConnectionLost.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[string]*pendingCall)
		s.mu.Unlock()

		for id, call := range pending {
			s.logger.Debug("failing pending call on disconnect",
				zap.String("message_id", id), zap.String("action", call.action))
			call.ch <- callReply{localErr: events.NewError(events.ErrConnectionLost, "charger disconnected")}
		}

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.sendCh:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Error("charger write failed", zap.String("charger_id", s.ID), zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

func (s *Session) send(frame []byte) error {
	select {
	case s.sendCh <- frame:
		return nil
	case <-s.done:
		return events.NewError(events.ErrConnectionLost, "charger disconnected")
	}
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("charger connection error", zap.String("charger_id", s.ID), zap.Error(err))
			}
			return
		}

		s.mu.Lock()
		s.lastSeen = time.Now()
		s.mu.Unlock()

		msgType, msgID, action, payload, err := ocpp.ParseMessage(data)
		if err != nil {
			// Answer with a CallError when the id survives, else drop
			// the connection: we cannot stay in sync with the peer.
			if recovered := ocpp.RecoverMessageID(data); recovered != "" {
				s.replyError(recovered, string(events.ErrInvalidFrame), err.Error())
				continue
			}
			s.logger.Error("unrecoverable charger frame, closing",
				zap.String("charger_id", s.ID), zap.Error(err))
			return
		}

		switch msgType {
		case ocpp.MessageTypeCall:
			s.handleCall(msgID, action, payload)
		case ocpp.MessageTypeCallResult:
			s.completeCall(msgID, callReply{payload: payload})
		case ocpp.MessageTypeCallError:
			var wireErr struct {
				Description string          `json:"description"`
				Details     json.RawMessage `json:"details"`
			}
			_ = json.Unmarshal(payload, &wireErr)
			s.completeCall(msgID, callReply{wireCode: action, wireDesc: wireErr.Description})
		}
	}
}

func (s *Session) handleCall(msgID, action string, payload json.RawMessage) {
	outcome, err := s.adapter.HandleCall(action, payload, time.Now())
	if err != nil {
		code := events.CodeOf(err, events.ErrMalformedPayload)
		s.logger.Warn("charger call rejected",
			zap.String("charger_id", s.ID),
			zap.String("action", action),
			zap.String("code", string(code)),
			zap.Error(err))
		s.replyError(msgID, string(code), err.Error())
		return
	}

	frame, err := ocpp.MarshalCallResult(msgID, outcome.Response)
	if err != nil {
		s.logger.Error("failed to marshal call result", zap.String("action", action), zap.Error(err))
		return
	}
	if err := s.send(frame); err != nil {
		return
	}

	for _, ev := range outcome.Events {
		ev.ChargerID = s.ID
		if ev.Type == events.TypeStatusChanged {
			s.mu.Lock()
			s.status = ev.Status
			s.mu.Unlock()
		}
		s.bus.Publish(ev)
	}
}

func (s *Session) replyError(msgID, code, description string) {
	frame, err := ocpp.MarshalCallError(msgID, code, description, nil)
	if err != nil {
		return
	}
	_ = s.send(frame)
}

func (s *Session) completeCall(msgID string, reply callReply) {
	s.mu.Lock()
	call, ok := s.pending[msgID]
	if ok {
		delete(s.pending, msgID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("result for unknown message id",
			zap.String("charger_id", s.ID), zap.String("message_id", msgID))
		return
	}
	call.ch <- reply
}

// Call sends an OCPP Call to the charger and waits for its answer. The wait
// is bounded by ctx and the session call timeout, whichever is shorter.
func (s *Session) Call(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	msgID := s.adapter.NextMessageID()
	frame, err := ocpp.MarshalCall(msgID, action, payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s call: %w", action, err)
	}

	call := &pendingCall{action: action, ch: make(chan callReply, 1)}
	s.mu.Lock()
	s.pending[msgID] = call
	s.mu.Unlock()

	if err := s.send(frame); err != nil {
		s.abandonCall(msgID)
		return nil, err
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()

	select {
	case reply := <-call.ch:
		if reply.localErr != nil {
			return nil, reply.localErr
		}
		if reply.wireCode != "" {
			return nil, &events.ProxyError{Code: events.ErrorCode(reply.wireCode), Message: reply.wireDesc}
		}
		return reply.payload, nil
	case <-timer.C:
		s.abandonCall(msgID)
		return nil, events.NewError(events.ErrCallTimeout, "%s timed out after %s", action, s.callTimeout)
	case <-ctx.Done():
		// Cancellation by the caller is not a wire condition; it stays a
		// plain error so SendCommand surfaces it as a top-level failure
		// and the arbiter can map it to Preempted.
		s.abandonCall(msgID)
		return nil, fmt.Errorf("%s cancelled: %w", action, ctx.Err())
	}
}

func (s *Session) abandonCall(msgID string) {
	s.mu.Lock()
	delete(s.pending, msgID)
	s.mu.Unlock()
}

// SendCommand encodes and submits an internal command and decodes the
// charger's answer. Wire-level outcomes (the charger's CallError, a call
// timeout, connection loss) land in CommandResult.Err; a cancellation of
// ctx comes back as a top-level error.
func (s *Session) SendCommand(ctx context.Context, cmd events.Command) (events.CommandResult, error) {
	action, payload, err := s.adapter.EncodeCommand(cmd)
	if err != nil {
		return events.CommandResult{}, err
	}

	raw, err := s.Call(ctx, action, payload)
	if err != nil {
		if pe, ok := err.(*events.ProxyError); ok {
			return events.CommandResult{Err: pe}, nil
		}
		return events.CommandResult{}, err
	}
	return s.adapter.DecodeCommandResult(cmd, raw)
}
