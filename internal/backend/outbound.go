package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/arbiter"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp/v16"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp/v201"
)

// Supervisor maintains one long-lived OCPP client per configured service.
// Each client speaks OCPP to the remote (which believes it is the CSMS) and
// behaves like any other backend toward the arbiter.
type Supervisor struct {
	services []config.Service
	registry *Registry
	engine   *arbiter.Engine
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor for the enabled services.
func NewSupervisor(services []config.Service, registry *Registry, engine *arbiter.Engine, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		services: services,
		registry: registry,
		engine:   engine,
		logger:   logger,
	}
}

// Start launches one connection loop per enabled service. Stop by
// cancelling ctx; Wait blocks until every loop exits.
func (s *Supervisor) Start(ctx context.Context) {
	for _, svc := range s.services {
		if !svc.Enabled {
			s.logger.Info("ocpp service disabled", zap.String("service_id", svc.ID))
			continue
		}
		s.wg.Add(1)
		go func(svc config.Service) {
			defer s.wg.Done()
			s.runClient(ctx, svc)
		}(svc)
	}
}

// Wait blocks until all client loops return.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// runClient dials, serves, and reconnects until ctx is cancelled.
// Reconnection backs off exponentially from 1s to 60s with 20% jitter; the
// backoff resets after every successful connection.
func (s *Supervisor) runClient(ctx context.Context, svc config.Service) {
	for {
		var conn *websocket.Conn
		b := retry.WithJitterPercent(20, retry.WithCappedDuration(60*time.Second, retry.NewExponential(time.Second)))
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			c, err := dial(ctx, svc)
			if err != nil {
				s.logger.Warn("ocpp service dial failed",
					zap.String("service_id", svc.ID),
					zap.String("url", svc.URL),
					zap.Error(err))
				return retry.RetryableError(err)
			}
			conn = c
			return nil
		})
		if err != nil {
			return // ctx cancelled
		}

		client := newOutbound(svc, conn, s.registry, s.engine, s.logger)
		if err := s.registry.Register(svc.ID, client); err != nil {
			// The configured id collides with a live backend. Nothing a
			// retry can fix; give the slot up.
			s.logger.Error("ocpp service id conflict, giving up",
				zap.String("service_id", svc.ID), zap.Error(err))
			conn.Close()
			return
		}
		s.logger.Info("ocpp service connected",
			zap.String("service_id", svc.ID),
			zap.String("url", svc.URL),
			zap.String("version", string(client.adapter.Version())))

		client.run(ctx)
		s.registry.Unregister(svc.ID)

		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("ocpp service disconnected, reconnecting",
			zap.String("service_id", svc.ID))
	}
}

// dial opens the service WebSocket with the configured authentication.
func dial(ctx context.Context, svc config.Service) (*websocket.Conn, error) {
	version := ocpp.V16
	if v, ok := ocpp.ParseVersion(svc.Version); ok {
		version = v
	}

	header := http.Header{}
	switch svc.AuthType {
	case "basic":
		cred := base64.StdEncoding.EncodeToString([]byte(svc.Username + ":" + svc.Password))
		header.Set("Authorization", "Basic "+cred)
	case "token":
		header.Set("Authorization", "Bearer "+svc.Token)
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{version.Subprotocol()},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, svc.URL, header)
	return conn, err
}

// outbound is one live connection to a remote OCPP service.
type outbound struct {
	svc     config.Service
	adapter ocpp.Adapter

	conn     *websocket.Conn
	registry *Registry
	engine   *arbiter.Engine
	logger   *zap.Logger

	sendCh chan []byte
	done   chan struct{}

	// The remote CSMS assigns its own 1.6 transaction ids in its
	// StartTransaction responses and will name them in RemoteStop calls;
	// both directions need translating.
	mu            sync.Mutex
	pendingStart  map[string]string // message id -> local tx id
	localToRemote map[string]string
	remoteToLocal map[string]string
}

func newOutbound(svc config.Service, conn *websocket.Conn, registry *Registry, engine *arbiter.Engine, logger *zap.Logger) *outbound {
	var adapter ocpp.Adapter
	if v, _ := ocpp.ParseVersion(svc.Version); v == ocpp.V201 {
		adapter = v201.NewAdapter()
	} else {
		adapter = v16.NewAdapter()
	}
	return &outbound{
		svc:           svc,
		adapter:       adapter,
		conn:          conn,
		registry:      registry,
		engine:        engine,
		logger:        logger,
		sendCh:        make(chan []byte, sendQueueSize),
		done:          make(chan struct{}),
		pendingStart:  make(map[string]string),
		localToRemote: make(map[string]string),
		remoteToLocal: make(map[string]string),
	}
}

// run services the connection until it drops or ctx is cancelled.
func (o *outbound) run(ctx context.Context) {
	go o.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			o.conn.Close()
		case <-o.done:
		}
	}()

	o.readLoop()
	close(o.done)
	o.conn.Close()
}

func (o *outbound) writeLoop() {
	for {
		select {
		case <-o.done:
			return
		case frame := <-o.sendCh:
			if err := o.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				o.logger.Debug("ocpp service write failed",
					zap.String("service_id", o.svc.ID), zap.Error(err))
				o.conn.Close()
				return
			}
		}
	}
}

func (o *outbound) enqueue(frame []byte) bool {
	select {
	case o.sendCh <- frame:
		return true
	case <-o.done:
		return false
	default:
		return false
	}
}

// DeliverEvent implements Consumer: the event goes out as the OCPP Call a
// charger of this dialect would have sent.
func (o *outbound) DeliverEvent(ev events.Event) bool {
	// Synthetic connectivity events have no wire form.
	if ev.Type == events.TypeChargerConnected || ev.Type == events.TypeChargerDisconnected {
		return true
	}

	o.mu.Lock()
	if remote, ok := o.localToRemote[ev.TransactionID]; ok {
		ev.TransactionID = remote
	}
	o.mu.Unlock()

	action, payload, err := o.adapter.EncodeEvent(ev)
	if err != nil {
		return true // unsupported event, not a drop
	}
	msgID := o.adapter.NextMessageID()
	frame, err := ocpp.MarshalCall(msgID, action, payload)
	if err != nil {
		o.logger.Error("failed to marshal forwarded event", zap.Error(err))
		return true
	}

	if ev.Type == events.TypeTransactionStarted {
		o.mu.Lock()
		o.pendingStart[msgID] = ev.TransactionID
		o.mu.Unlock()
	}
	return o.enqueue(frame)
}

// DeliverControl implements Consumer. Lock transitions have no OCPP wire
// form on the forward leg; they only matter for this client's next command.
func (o *outbound) DeliverControl(status string, reason events.ErrorCode) {
	o.logger.Info("ocpp service control change",
		zap.String("service_id", o.svc.ID),
		zap.String("status", status),
		zap.String("reason", string(reason)))
}

func (o *outbound) readLoop() {
	for {
		_, data, err := o.conn.ReadMessage()
		if err != nil {
			return
		}

		msgType, msgID, action, payload, err := ocpp.ParseMessage(data)
		if err != nil {
			o.logger.Warn("invalid frame from ocpp service",
				zap.String("service_id", o.svc.ID), zap.Error(err))
			continue
		}

		switch msgType {
		case ocpp.MessageTypeCall:
			o.handleRemoteCall(msgID, action, payload)
		case ocpp.MessageTypeCallResult:
			o.handleRemoteResult(msgID, payload)
		case ocpp.MessageTypeCallError:
			o.logger.Warn("ocpp service rejected a forwarded call",
				zap.String("service_id", o.svc.ID),
				zap.String("message_id", msgID),
				zap.String("code", action))
		}
	}
}

// handleRemoteCall translates a command from the remote CSMS into an
// internal command, acquiring the lock on demand.
func (o *outbound) handleRemoteCall(msgID, action string, payload json.RawMessage) {
	cmd, err := o.adapter.DecodeCommandCall(action, payload)
	if err != nil {
		code := events.CodeOf(err, events.ErrNotImplemented)
		o.replyError(msgID, string(code), err.Error())
		return
	}

	if cmd.TransactionID != "" {
		o.mu.Lock()
		if local, ok := o.remoteToLocal[cmd.TransactionID]; ok {
			cmd.TransactionID = local
		}
		o.mu.Unlock()
	}

	if o.engine.Holder() != o.svc.ID {
		if err := o.engine.Request(o.svc.ID); err != nil {
			o.replyError(msgID, string(events.CodeOf(err, events.ErrAlreadyHeld)), err.Error())
			return
		}
	}

	res, err := o.engine.Command(o.svc.ID, cmd)
	if err != nil {
		o.replyError(msgID, string(events.CodeOf(err, events.ErrChargerUnavailable)), err.Error())
		return
	}
	if res.Err != nil {
		o.replyError(msgID, string(res.Err.Code), res.Err.Message)
		return
	}

	response := interface{}(res.Payload)
	if len(res.Payload) == 0 {
		response = map[string]string{"status": res.Status}
	}
	frame, err := ocpp.MarshalCallResult(msgID, response)
	if err != nil {
		return
	}
	o.enqueue(frame)
}

// handleRemoteResult records the remote transaction id the CSMS assigned in
// its StartTransaction response.
func (o *outbound) handleRemoteResult(msgID string, payload json.RawMessage) {
	o.mu.Lock()
	localTx, ok := o.pendingStart[msgID]
	if ok {
		delete(o.pendingStart, msgID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	var conf struct {
		TransactionID *int `json:"transactionId"`
	}
	if err := json.Unmarshal(payload, &conf); err != nil || conf.TransactionID == nil {
		return
	}
	remote := strconv.Itoa(*conf.TransactionID)

	o.mu.Lock()
	o.localToRemote[localTx] = remote
	o.remoteToLocal[remote] = localTx
	o.mu.Unlock()
	o.logger.Debug("mapped remote transaction id",
		zap.String("service_id", o.svc.ID),
		zap.String("local", localTx),
		zap.String("remote", remote))
}

func (o *outbound) replyError(msgID, code, description string) {
	frame, err := ocpp.MarshalCallError(msgID, code, description, nil)
	if err != nil {
		return
	}
	o.enqueue(frame)
}
