package backend

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/arbiter"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/metrics"
)

// sendQueueSize bounds a backend's outgoing frame queue. Overflow drops
// frames for that backend only.
const sendQueueSize = 64

// clientFrame is what an inbound backend sends us.
type clientFrame struct {
	Op        string          `json:"op"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
	Command   json.RawMessage `json:"command,omitempty"`
}

// serverFrame is what we send an inbound backend.
type serverFrame struct {
	Type      string          `json:"type"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
	Event     *events.Event   `json:"event,omitempty"`
	Status    string          `json:"status,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Result    interface{}     `json:"result,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Client is one inbound backend connection speaking the control protocol.
type Client struct {
	ID string

	conn     *websocket.Conn
	registry *Registry
	engine   *arbiter.Engine
	logger   *zap.Logger

	sendCh chan []byte
	done   chan struct{}
}

// NewClient wraps an upgraded backend connection. The caller must have
// registered the id already; Run services the connection and unregisters on
// exit.
func NewClient(id string, conn *websocket.Conn, registry *Registry, engine *arbiter.Engine, logger *zap.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		registry: registry,
		engine:   engine,
		logger:   logger,
		sendCh:   make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// Run services the connection until it closes.
func (c *Client) Run() {
	go c.writeLoop()
	c.readLoop()

	close(c.done)
	c.conn.Close()
	c.registry.Unregister(c.ID)
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("backend write failed", zap.String("backend_id", c.ID), zap.Error(err))
				c.conn.Close()
				return
			}
		}
	}
}

// enqueue queues a frame without blocking. Reports false on overflow.
func (c *Client) enqueue(f serverFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("failed to marshal backend frame", zap.Error(err))
		return false
	}
	select {
	case c.sendCh <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// DeliverEvent implements Consumer.
func (c *Client) DeliverEvent(ev events.Event) bool {
	return c.enqueue(serverFrame{Type: "event", Event: &ev})
}

// DeliverControl implements Consumer.
func (c *Client) DeliverControl(status string, reason events.ErrorCode) {
	if !c.enqueue(serverFrame{Type: "control", Status: status, Reason: string(reason)}) {
		c.logger.Warn("control frame dropped, backend queue full",
			zap.String("backend_id", c.ID), zap.String("status", status))
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("backend connection error", zap.String("backend_id", c.ID), zap.Error(err))
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(serverFrame{
				Type:    "error",
				Code:    string(events.ErrInvalidFrame),
				Message: err.Error(),
			})
			continue
		}
		c.handleFrame(frame)
	}
}

// handleFrame processes one backend operation. Operations run inline so a
// single backend's submissions apply in submission order.
func (c *Client) handleFrame(frame clientFrame) {
	switch frame.Op {
	case "subscribe":
		c.registry.SetSubscribed(c.ID, true)
		c.enqueue(serverFrame{Type: "result", RequestID: frame.RequestID, Result: map[string]bool{"subscribed": true}})

	case "unsubscribe":
		c.registry.SetSubscribed(c.ID, false)
		c.enqueue(serverFrame{Type: "result", RequestID: frame.RequestID, Result: map[string]bool{"subscribed": false}})

	case "request_control":
		if err := c.engine.Request(c.ID); err != nil {
			metrics.ControlRequests.WithLabelValues("denied").Inc()
			c.enqueue(serverFrame{
				Type:      "control",
				RequestID: frame.RequestID,
				Status:    "denied",
				Reason:    string(events.CodeOf(err, events.ErrAlreadyHeld)),
			})
			return
		}
		c.enqueue(serverFrame{Type: "control", RequestID: frame.RequestID, Status: "granted"})

	case "release_control":
		if err := c.engine.Release(c.ID); err != nil {
			c.enqueue(serverFrame{
				Type:      "error",
				RequestID: frame.RequestID,
				Code:      string(events.CodeOf(err, events.ErrNotLockHolder)),
				Message:   err.Error(),
			})
			return
		}
		c.enqueue(serverFrame{Type: "control", RequestID: frame.RequestID, Status: "revoked", Reason: "Released"})

	case "command":
		c.handleCommand(frame)

	default:
		c.enqueue(serverFrame{
			Type:      "error",
			RequestID: frame.RequestID,
			Code:      string(events.ErrNotImplemented),
			Message:   "unknown op " + frame.Op,
		})
	}
}

func (c *Client) handleCommand(frame clientFrame) {
	var cmd events.Command
	if err := json.Unmarshal(frame.Command, &cmd); err != nil {
		c.enqueue(serverFrame{
			Type:      "error",
			RequestID: frame.RequestID,
			Code:      string(events.ErrMalformedPayload),
			Message:   err.Error(),
		})
		return
	}

	res, err := c.engine.Command(c.ID, cmd)
	if err != nil {
		metrics.Commands.WithLabelValues(string(cmd.Type), "error").Inc()
		c.enqueue(serverFrame{
			Type:      "error",
			RequestID: frame.RequestID,
			Code:      string(events.CodeOf(err, events.ErrChargerUnavailable)),
			Message:   err.Error(),
		})
		return
	}
	if res.Err != nil {
		metrics.Commands.WithLabelValues(string(cmd.Type), "call_error").Inc()
		c.enqueue(serverFrame{
			Type:      "error",
			RequestID: frame.RequestID,
			Code:      string(res.Err.Code),
			Message:   res.Err.Message,
		})
		return
	}

	metrics.Commands.WithLabelValues(string(cmd.Type), "ok").Inc()
	c.enqueue(serverFrame{Type: "result", RequestID: frame.RequestID, Result: res})
}
