package v201

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
)

const heartbeatInterval = 300

const energyMeasurand = "Energy.Active.Import.Register"

// Adapter is the 2.0.1 codec.
type Adapter struct {
	msgID         uint64
	remoteStartID uint64
}

// NewAdapter creates a 2.0.1 codec.
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Version implements ocpp.Adapter.
func (a *Adapter) Version() ocpp.Version { return ocpp.V201 }

// NextMessageID implements ocpp.Adapter.
func (a *Adapter) NextMessageID() string {
	return strconv.FormatUint(atomic.AddUint64(&a.msgID, 1), 10)
}

// parseTimestamp accepts the sloppy ISO-8601 variants real chargers emit.
func parseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := iso8601.ParseString(s)
	if err != nil {
		return fallback
	}
	return t
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// HandleCall implements ocpp.Adapter.
func (a *Adapter) HandleCall(action string, payload json.RawMessage, now time.Time) (*ocpp.CallOutcome, error) {
	switch action {
	case ActionBootNotification:
		var req BootNotificationRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, events.NewError(events.ErrMalformedPayload, "BootNotification: %v", err)
		}
		return &ocpp.CallOutcome{
			Events: []events.Event{{
				Type:      events.TypeBootNotification,
				Timestamp: now,
				Vendor:    req.ChargingStation.VendorName,
				Model:     req.ChargingStation.Model,
				Firmware:  req.ChargingStation.FirmwareVersion,
			}},
			Response: BootNotificationResponse{
				CurrentTime: formatTimestamp(now),
				Interval:    heartbeatInterval,
				Status:      "Accepted",
			},
		}, nil

	case ActionHeartbeat:
		return &ocpp.CallOutcome{
			Events:   []events.Event{{Type: events.TypeHeartbeat, Timestamp: now}},
			Response: HeartbeatResponse{CurrentTime: formatTimestamp(now)},
		}, nil

	case ActionStatusNotification:
		var req StatusNotificationRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, events.NewError(events.ErrMalformedPayload, "StatusNotification: %v", err)
		}
		return &ocpp.CallOutcome{
			Events: []events.Event{{
				Type:        events.TypeStatusChanged,
				Timestamp:   parseTimestamp(req.Timestamp, now),
				Status:      NormalizeStatus(req.ConnectorStatus),
				ConnectorID: req.ConnectorID,
			}},
			Response: StatusNotificationResponse{},
		}, nil

	case ActionTransactionEvent:
		var req TransactionEventRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, events.NewError(events.ErrMalformedPayload, "TransactionEvent: %v", err)
		}
		return a.handleTransactionEvent(req, now)

	default:
		return nil, events.NewError(events.ErrNotImplemented, "action %s not implemented", action)
	}
}

func (a *Adapter) handleTransactionEvent(req TransactionEventRequest, now time.Time) (*ocpp.CallOutcome, error) {
	ts := parseTimestamp(req.Timestamp, now)
	txID := req.TransactionInfo.TransactionID
	connector := 0
	if req.Evse != nil {
		connector = req.Evse.ConnectorID
	}
	idTag := ""
	if req.IDToken != nil {
		idTag = req.IDToken.IDToken
	}
	meterWh, _ := lastEnergySample(req.MeterValue)

	var evs []events.Event
	switch req.EventType {
	case EventStarted:
		evs = append(evs, events.Event{
			Type:          events.TypeTransactionStarted,
			Timestamp:     ts,
			TransactionID: txID,
			IDTag:         idTag,
			ConnectorID:   connector,
			MeterWh:       meterWh,
		})

	case EventUpdated:
		for _, mv := range req.MeterValue {
			mts := parseTimestamp(mv.Timestamp, ts)
			for _, sample := range mv.SampledValue {
				if sample.Measurand != "" && sample.Measurand != energyMeasurand {
					continue
				}
				evs = append(evs, events.Event{
					Type:          events.TypeMeterSample,
					Timestamp:     mts,
					TransactionID: txID,
					ConnectorID:   connector,
					MeterWh:       sampleWh(sample),
				})
			}
		}

	case EventEnded:
		evs = append(evs, events.Event{
			Type:          events.TypeTransactionEnded,
			Timestamp:     ts,
			TransactionID: txID,
			IDTag:         idTag,
			MeterWh:       meterWh,
			StopReason:    req.TransactionInfo.StoppedReason,
		})

	default:
		return nil, events.NewError(events.ErrMalformedPayload, "TransactionEvent: unknown eventType %q", req.EventType)
	}

	// chargingState is the only 2.0.1 signal for Charging vs Suspended;
	// fold it into a StatusChanged so backends see the 1.6-style status.
	if st, ok := chargingStateStatus(req.TransactionInfo.ChargingState); ok {
		evs = append(evs, events.Event{
			Type:        events.TypeStatusChanged,
			Timestamp:   ts,
			Status:      st,
			ConnectorID: connector,
		})
	}

	resp := TransactionEventResponse{}
	if req.IDToken != nil {
		resp.IDTokenInfo = &IDTokenInfo{Status: "Accepted"}
	}
	return &ocpp.CallOutcome{Events: evs, Response: resp}, nil
}

// EncodeEvent implements ocpp.Adapter.
func (a *Adapter) EncodeEvent(ev events.Event) (string, interface{}, error) {
	switch ev.Type {
	case events.TypeBootNotification:
		return ActionBootNotification, BootNotificationRequest{
			Reason: "PowerUp",
			ChargingStation: ChargingStation{
				Model:           ev.Model,
				VendorName:      ev.Vendor,
				FirmwareVersion: ev.Firmware,
			},
		}, nil

	case events.TypeHeartbeat:
		return ActionHeartbeat, struct{}{}, nil

	case events.TypeStatusChanged:
		return ActionStatusNotification, StatusNotificationRequest{
			Timestamp:       formatTimestamp(ev.Timestamp),
			ConnectorStatus: DenormalizeStatus(ev.Status),
			EvseID:          1,
			ConnectorID:     ev.ConnectorID,
		}, nil

	case events.TypeTransactionStarted:
		req := TransactionEventRequest{
			EventType:       EventStarted,
			Timestamp:       formatTimestamp(ev.Timestamp),
			TriggerReason:   "Authorized",
			TransactionInfo: TransactionInfo{TransactionID: ev.TransactionID},
			Evse:            &EVSE{ID: 1, ConnectorID: ev.ConnectorID},
			MeterValue:      energyMeterValue(ev),
		}
		if ev.IDTag != "" {
			req.IDToken = &IDToken{IDToken: ev.IDTag, Type: "ISO14443"}
		}
		return ActionTransactionEvent, req, nil

	case events.TypeMeterSample:
		return ActionTransactionEvent, TransactionEventRequest{
			EventType:       EventUpdated,
			Timestamp:       formatTimestamp(ev.Timestamp),
			TriggerReason:   "MeterValuePeriodic",
			TransactionInfo: TransactionInfo{TransactionID: ev.TransactionID},
			Evse:            &EVSE{ID: 1, ConnectorID: ev.ConnectorID},
			MeterValue:      energyMeterValue(ev),
		}, nil

	case events.TypeTransactionEnded:
		return ActionTransactionEvent, TransactionEventRequest{
			EventType:     EventEnded,
			Timestamp:     formatTimestamp(ev.Timestamp),
			TriggerReason: "StopAuthorized",
			TransactionInfo: TransactionInfo{
				TransactionID: ev.TransactionID,
				StoppedReason: ev.StopReason,
			},
			MeterValue: energyMeterValue(ev),
		}, nil
	}
	return "", nil, fmt.Errorf("event %s has no 2.0.1 wire form", ev.Type)
}

// EncodeCommand implements ocpp.Adapter.
func (a *Adapter) EncodeCommand(cmd events.Command) (string, interface{}, error) {
	switch cmd.Type {
	case events.CommandRemoteStart:
		return ActionRequestStartTransaction, RequestStartTransactionRequest{
			EvseID:        cmd.ConnectorID,
			RemoteStartID: int(atomic.AddUint64(&a.remoteStartID, 1)),
			IDToken:       IDToken{IDToken: cmd.IDTag, Type: "ISO14443"},
		}, nil

	case events.CommandRemoteStop:
		return ActionRequestStopTransaction, RequestStopTransactionRequest{TransactionID: cmd.TransactionID}, nil

	case events.CommandReset:
		return ActionReset, ResetRequest{Type: resetType(cmd.ResetType)}, nil

	case events.CommandChangeAvailability:
		req := ChangeAvailabilityRequest{OperationalStatus: cmd.Availability}
		if cmd.ConnectorID != 0 {
			req.Evse = &EVSE{ID: 1, ConnectorID: cmd.ConnectorID}
		}
		return ActionChangeAvailability, req, nil
	}
	return "", nil, events.NewError(events.ErrNotImplemented, "command %s not implemented", cmd.Type)
}

// DecodeCommandResult implements ocpp.Adapter.
func (a *Adapter) DecodeCommandResult(cmd events.Command, payload json.RawMessage) (events.CommandResult, error) {
	var conf struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &conf); err != nil {
		return events.CommandResult{}, events.NewError(events.ErrMalformedPayload, "%s result: %v", cmd.Type, err)
	}
	return events.CommandResult{Status: conf.Status, Payload: payload}, nil
}

// DecodeCommandCall implements ocpp.Adapter.
func (a *Adapter) DecodeCommandCall(action string, payload json.RawMessage) (events.Command, error) {
	switch action {
	case ActionRequestStartTransaction:
		var req RequestStartTransactionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return events.Command{}, events.NewError(events.ErrMalformedPayload, "RequestStartTransaction: %v", err)
		}
		return events.Command{
			Type:        events.CommandRemoteStart,
			IDTag:       req.IDToken.IDToken,
			ConnectorID: req.EvseID,
		}, nil

	case ActionRequestStopTransaction:
		var req RequestStopTransactionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return events.Command{}, events.NewError(events.ErrMalformedPayload, "RequestStopTransaction: %v", err)
		}
		return events.Command{Type: events.CommandRemoteStop, TransactionID: req.TransactionID}, nil

	case ActionReset:
		var req ResetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return events.Command{}, events.NewError(events.ErrMalformedPayload, "Reset: %v", err)
		}
		return events.Command{Type: events.CommandReset, ResetType: req.Type}, nil

	case ActionChangeAvailability:
		var req ChangeAvailabilityRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return events.Command{}, events.NewError(events.ErrMalformedPayload, "ChangeAvailability: %v", err)
		}
		cmd := events.Command{Type: events.CommandChangeAvailability, Availability: req.OperationalStatus}
		if req.Evse != nil {
			cmd.ConnectorID = req.Evse.ConnectorID
		}
		return cmd, nil
	}
	return events.Command{}, events.NewError(events.ErrNotImplemented, "action %s not implemented", action)
}

// NormalizeStatus folds the 2.0.1 connector status into the internal
// 1.6-style set. Occupied becomes Preparing: without a transaction id the
// codec cannot tell Preparing from Charging, and Charging is reported via
// TransactionEvent chargingState.
func NormalizeStatus(s ConnectorStatus) events.ChargerStatus {
	switch s {
	case ConnectorAvailable:
		return events.StatusAvailable
	case ConnectorOccupied:
		return events.StatusPreparing
	case ConnectorReserved:
		return events.StatusReserved
	case ConnectorUnavailable:
		return events.StatusUnavailable
	case ConnectorFaulted:
		return events.StatusFaulted
	}
	return events.StatusUnknown
}

// DenormalizeStatus maps an internal status onto the closest wire value.
func DenormalizeStatus(s events.ChargerStatus) ConnectorStatus {
	switch s {
	case events.StatusAvailable:
		return ConnectorAvailable
	case events.StatusReserved:
		return ConnectorReserved
	case events.StatusUnavailable:
		return ConnectorUnavailable
	case events.StatusFaulted:
		return ConnectorFaulted
	case events.StatusPreparing, events.StatusCharging,
		events.StatusSuspendedEV, events.StatusSuspendedEVSE, events.StatusFinishing:
		return ConnectorOccupied
	}
	return ConnectorUnavailable
}

func chargingStateStatus(cs ChargingState) (events.ChargerStatus, bool) {
	switch cs {
	case ChargingStateCharging:
		return events.StatusCharging, true
	case ChargingStateSuspendedEV:
		return events.StatusSuspendedEV, true
	case ChargingStateSuspendedEVSE:
		return events.StatusSuspendedEVSE, true
	}
	return "", false
}

func resetType(t string) string {
	switch t {
	case "Hard":
		return "Immediate"
	case "Soft":
		return "OnIdle"
	}
	return t
}

func sampleWh(s SampledValue) float64 {
	wh := s.Value
	if s.UnitOfMeasure != nil {
		if s.UnitOfMeasure.Unit == "kWh" {
			wh *= 1000
		}
		for i := 0; i < s.UnitOfMeasure.Multiplier; i++ {
			wh *= 10
		}
	}
	return wh
}

// lastEnergySample returns the last energy reading in the meter values.
func lastEnergySample(mvs []MeterValue) (float64, bool) {
	wh, found := 0.0, false
	for _, mv := range mvs {
		for _, sample := range mv.SampledValue {
			if sample.Measurand != "" && sample.Measurand != energyMeasurand {
				continue
			}
			wh, found = sampleWh(sample), true
		}
	}
	return wh, found
}

func energyMeterValue(ev events.Event) []MeterValue {
	return []MeterValue{{
		Timestamp: formatTimestamp(ev.Timestamp),
		SampledValue: []SampledValue{{
			Value:         ev.MeterWh,
			Measurand:     energyMeasurand,
			UnitOfMeasure: &UnitOfMeasure{Unit: "Wh"},
		}},
	}}
}
