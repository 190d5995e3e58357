// Package v16 is the OCPP 1.6J codec. Payloads are the lorenzodonini/ocpp-go
// core profile types; framing lives in the parent ocpp package. The codec is
// pure: its only state is the message-id and transaction-id counters (the
// CSMS assigns transaction ids in 1.6).
package v16

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
)

// heartbeatInterval is returned in BootNotification responses.
const heartbeatInterval = 300

// energyMeasurand is the OCPP measurand carrying cumulative imported energy.
// Chargers that omit the measurand mean this one (it is the protocol default).
const energyMeasurand = "Energy.Active.Import.Register"

// Adapter is the 1.6 codec.
type Adapter struct {
	msgID uint64
	txID  uint64
}

// NewAdapter creates a 1.6 codec.
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Version implements ocpp.Adapter.
func (a *Adapter) Version() ocpp.Version { return ocpp.V16 }

// NextMessageID returns a fresh message id, a monotonic counter rendered as
// a decimal string.
func (a *Adapter) NextMessageID() string {
	return strconv.FormatUint(atomic.AddUint64(&a.msgID, 1), 10)
}

func (a *Adapter) nextTransactionID() int {
	return int(atomic.AddUint64(&a.txID, 1))
}

// HandleCall implements ocpp.Adapter.
func (a *Adapter) HandleCall(action string, payload json.RawMessage, now time.Time) (*ocpp.CallOutcome, error) {
	switch action {
	case "BootNotification":
		var req core.BootNotificationRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, events.NewError(events.ErrMalformedPayload, "BootNotification: %v", err)
		}
		return &ocpp.CallOutcome{
			Events: []events.Event{{
				Type:      events.TypeBootNotification,
				Timestamp: now,
				Vendor:    req.ChargePointVendor,
				Model:     req.ChargePointModel,
				Firmware:  req.FirmwareVersion,
			}},
			Response: core.BootNotificationConfirmation{
				Status:      core.RegistrationStatusAccepted,
				CurrentTime: types.NewDateTime(now),
				Interval:    heartbeatInterval,
			},
		}, nil

	case "Heartbeat":
		return &ocpp.CallOutcome{
			Events:   []events.Event{{Type: events.TypeHeartbeat, Timestamp: now}},
			Response: core.HeartbeatConfirmation{CurrentTime: types.NewDateTime(now)},
		}, nil

	case "StatusNotification":
		var req core.StatusNotificationRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, events.NewError(events.ErrMalformedPayload, "StatusNotification: %v", err)
		}
		ts := now
		if req.Timestamp != nil {
			ts = req.Timestamp.Time
		}
		return &ocpp.CallOutcome{
			Events: []events.Event{{
				Type:        events.TypeStatusChanged,
				Timestamp:   ts,
				Status:      NormalizeStatus(string(req.Status)),
				ConnectorID: req.ConnectorId,
			}},
			Response: core.StatusNotificationConfirmation{},
		}, nil

	case "StartTransaction":
		var req core.StartTransactionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, events.NewError(events.ErrMalformedPayload, "StartTransaction: %v", err)
		}
		ts := now
		if req.Timestamp != nil {
			ts = req.Timestamp.Time
		}
		txID := a.nextTransactionID()
		return &ocpp.CallOutcome{
			Events: []events.Event{{
				Type:          events.TypeTransactionStarted,
				Timestamp:     ts,
				TransactionID: strconv.Itoa(txID),
				IDTag:         req.IdTag,
				ConnectorID:   req.ConnectorId,
				MeterWh:       float64(req.MeterStart),
			}},
			Response: core.StartTransactionConfirmation{
				TransactionId: txID,
				IdTagInfo:     &types.IdTagInfo{Status: types.AuthorizationStatusAccepted},
			},
		}, nil

	case "StopTransaction":
		var req core.StopTransactionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, events.NewError(events.ErrMalformedPayload, "StopTransaction: %v", err)
		}
		ts := now
		if req.Timestamp != nil {
			ts = req.Timestamp.Time
		}
		return &ocpp.CallOutcome{
			Events: []events.Event{{
				Type:          events.TypeTransactionEnded,
				Timestamp:     ts,
				TransactionID: strconv.Itoa(req.TransactionId),
				IDTag:         req.IdTag,
				MeterWh:       float64(req.MeterStop),
				StopReason:    string(req.Reason),
			}},
			Response: core.StopTransactionConfirmation{
				IdTagInfo: &types.IdTagInfo{Status: types.AuthorizationStatusAccepted},
			},
		}, nil

	case "MeterValues":
		var req core.MeterValuesRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, events.NewError(events.ErrMalformedPayload, "MeterValues: %v", err)
		}
		txID := ""
		if req.TransactionId != nil {
			txID = strconv.Itoa(*req.TransactionId)
		}
		var evs []events.Event
		for _, mv := range req.MeterValue {
			ts := now
			if mv.Timestamp != nil {
				ts = mv.Timestamp.Time
			}
			for _, sample := range mv.SampledValue {
				m := string(sample.Measurand)
				if m != "" && m != energyMeasurand {
					continue
				}
				wh, err := strconv.ParseFloat(sample.Value, 64)
				if err != nil {
					continue
				}
				if string(sample.Unit) == "kWh" {
					wh *= 1000
				}
				evs = append(evs, events.Event{
					Type:          events.TypeMeterSample,
					Timestamp:     ts,
					TransactionID: txID,
					ConnectorID:   req.ConnectorId,
					MeterWh:       wh,
				})
			}
		}
		return &ocpp.CallOutcome{Events: evs, Response: core.MeterValuesConfirmation{}}, nil

	case "Authorize":
		// Accepted unconditionally; authorization policy lives in the
		// arbiter, not in the charger-facing leg.
		return &ocpp.CallOutcome{
			Response: core.AuthorizeConfirmation{
				IdTagInfo: &types.IdTagInfo{Status: types.AuthorizationStatusAccepted},
			},
		}, nil

	default:
		return nil, events.NewError(events.ErrNotImplemented, "action %s not implemented", action)
	}
}

// EncodeEvent implements ocpp.Adapter. It is the inverse of HandleCall on
// the supported event set and feeds the outbound forwarding leg.
func (a *Adapter) EncodeEvent(ev events.Event) (string, interface{}, error) {
	switch ev.Type {
	case events.TypeBootNotification:
		return "BootNotification", core.BootNotificationRequest{
			ChargePointVendor: ev.Vendor,
			ChargePointModel:  ev.Model,
			FirmwareVersion:   ev.Firmware,
		}, nil

	case events.TypeHeartbeat:
		return "Heartbeat", core.HeartbeatRequest{}, nil

	case events.TypeStatusChanged:
		return "StatusNotification", core.StatusNotificationRequest{
			ConnectorId: ev.ConnectorID,
			ErrorCode:   core.NoError,
			Status:      core.ChargePointStatus(ev.Status),
			Timestamp:   types.NewDateTime(ev.Timestamp),
		}, nil

	case events.TypeTransactionStarted:
		return "StartTransaction", core.StartTransactionRequest{
			ConnectorId: ev.ConnectorID,
			IdTag:       ev.IDTag,
			MeterStart:  int(ev.MeterWh),
			Timestamp:   types.NewDateTime(ev.Timestamp),
		}, nil

	case events.TypeMeterSample:
		var txPtr *int
		if tx, err := strconv.Atoi(ev.TransactionID); err == nil {
			txPtr = &tx
		}
		return "MeterValues", core.MeterValuesRequest{
			ConnectorId:   ev.ConnectorID,
			TransactionId: txPtr,
			MeterValue: []types.MeterValue{{
				Timestamp: types.NewDateTime(ev.Timestamp),
				SampledValue: []types.SampledValue{{
					Value:     strconv.FormatFloat(ev.MeterWh, 'f', -1, 64),
					Measurand: energyMeasurand,
					Unit:      "Wh",
				}},
			}},
		}, nil

	case events.TypeTransactionEnded:
		tx, _ := strconv.Atoi(ev.TransactionID)
		return "StopTransaction", core.StopTransactionRequest{
			TransactionId: tx,
			IdTag:         ev.IDTag,
			MeterStop:     int(ev.MeterWh),
			Timestamp:     types.NewDateTime(ev.Timestamp),
			Reason:        core.Reason(ev.StopReason),
		}, nil
	}
	return "", nil, fmt.Errorf("event %s has no 1.6 wire form", ev.Type)
}

// EncodeCommand implements ocpp.Adapter.
func (a *Adapter) EncodeCommand(cmd events.Command) (string, interface{}, error) {
	switch cmd.Type {
	case events.CommandRemoteStart:
		req := core.RemoteStartTransactionRequest{IdTag: cmd.IDTag}
		if cmd.ConnectorID != 0 {
			connector := cmd.ConnectorID
			req.ConnectorId = &connector
		}
		return "RemoteStartTransaction", req, nil

	case events.CommandRemoteStop:
		tx, err := strconv.Atoi(cmd.TransactionID)
		if err != nil {
			return "", nil, events.NewError(events.ErrMalformedPayload, "RemoteStop: transaction id %q is not numeric", cmd.TransactionID)
		}
		return "RemoteStopTransaction", core.RemoteStopTransactionRequest{TransactionId: tx}, nil

	case events.CommandReset:
		return "Reset", core.ResetRequest{Type: core.ResetType(cmd.ResetType)}, nil

	case events.CommandChangeAvailability:
		return "ChangeAvailability", core.ChangeAvailabilityRequest{
			ConnectorId: cmd.ConnectorID,
			Type:        core.AvailabilityType(cmd.Availability),
		}, nil
	}
	return "", nil, events.NewError(events.ErrNotImplemented, "command %s not implemented", cmd.Type)
}

// DecodeCommandResult implements ocpp.Adapter. Every 1.6 command
// confirmation carries a status string.
func (a *Adapter) DecodeCommandResult(cmd events.Command, payload json.RawMessage) (events.CommandResult, error) {
	var conf struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &conf); err != nil {
		return events.CommandResult{}, events.NewError(events.ErrMalformedPayload, "%s result: %v", cmd.Type, err)
	}
	return events.CommandResult{Status: conf.Status, Payload: payload}, nil
}

// DecodeCommandCall implements ocpp.Adapter for the outbound leg, where a
// remote CSMS issues commands at us as if we were the charge point.
func (a *Adapter) DecodeCommandCall(action string, payload json.RawMessage) (events.Command, error) {
	switch action {
	case "RemoteStartTransaction":
		var req core.RemoteStartTransactionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return events.Command{}, events.NewError(events.ErrMalformedPayload, "RemoteStartTransaction: %v", err)
		}
		cmd := events.Command{Type: events.CommandRemoteStart, IDTag: req.IdTag}
		if req.ConnectorId != nil {
			cmd.ConnectorID = *req.ConnectorId
		}
		return cmd, nil

	case "RemoteStopTransaction":
		var req core.RemoteStopTransactionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return events.Command{}, events.NewError(events.ErrMalformedPayload, "RemoteStopTransaction: %v", err)
		}
		return events.Command{Type: events.CommandRemoteStop, TransactionID: strconv.Itoa(req.TransactionId)}, nil

	case "Reset":
		var req core.ResetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return events.Command{}, events.NewError(events.ErrMalformedPayload, "Reset: %v", err)
		}
		return events.Command{Type: events.CommandReset, ResetType: string(req.Type)}, nil

	case "ChangeAvailability":
		var req core.ChangeAvailabilityRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return events.Command{}, events.NewError(events.ErrMalformedPayload, "ChangeAvailability: %v", err)
		}
		return events.Command{
			Type:         events.CommandChangeAvailability,
			ConnectorID:  req.ConnectorId,
			Availability: string(req.Type),
		}, nil
	}
	return events.Command{}, events.NewError(events.ErrNotImplemented, "action %s not implemented", action)
}

// NormalizeStatus maps a 1.6 status string onto the internal enum. The 1.6
// set is the internal set; anything else is Unknown.
func NormalizeStatus(s string) events.ChargerStatus {
	switch events.ChargerStatus(s) {
	case events.StatusAvailable, events.StatusPreparing, events.StatusCharging,
		events.StatusSuspendedEV, events.StatusSuspendedEVSE, events.StatusFinishing,
		events.StatusReserved, events.StatusUnavailable, events.StatusFaulted:
		return events.ChargerStatus(s)
	}
	return events.StatusUnknown
}
