// Package events defines the version-agnostic vocabulary shared by the
// protocol adapters, the arbiter, the backend registry and the session log.
// Both OCPP dialects decode into these types and encode back out of them.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies an internal event.
type Type string

const (
	TypeBootNotification    Type = "BootNotification"
	TypeHeartbeat           Type = "Heartbeat"
	TypeStatusChanged       Type = "StatusChanged"
	TypeTransactionStarted  Type = "TransactionStarted"
	TypeMeterSample         Type = "MeterSample"
	TypeTransactionEnded    Type = "TransactionEnded"
	TypeChargerConnected    Type = "ChargerConnected"
	TypeChargerDisconnected Type = "ChargerDisconnected"
)

// ChargerStatus is the normalized operational status of the charger.
// OCPP 2.0.1 statuses are folded into the 1.6-style set; values the proxy
// does not care about become StatusUnknown.
type ChargerStatus string

const (
	StatusAvailable     ChargerStatus = "Available"
	StatusPreparing     ChargerStatus = "Preparing"
	StatusCharging      ChargerStatus = "Charging"
	StatusSuspendedEV   ChargerStatus = "SuspendedEV"
	StatusSuspendedEVSE ChargerStatus = "SuspendedEVSE"
	StatusFinishing     ChargerStatus = "Finishing"
	StatusReserved      ChargerStatus = "Reserved"
	StatusUnavailable   ChargerStatus = "Unavailable"
	StatusFaulted       ChargerStatus = "Faulted"
	StatusUnknown       ChargerStatus = "Unknown"
)

// Event is a single charger observation. Fields beyond Type and Timestamp
// are populated per event type; zero values mean "not applicable".
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// ChargerConnected / BootNotification
	ChargerID string `json:"charger_id,omitempty"`
	Version   string `json:"version,omitempty"`
	Vendor    string `json:"vendor,omitempty"`
	Model     string `json:"model,omitempty"`
	Firmware  string `json:"firmware,omitempty"`

	// StatusChanged
	Status      ChargerStatus `json:"status,omitempty"`
	ConnectorID int           `json:"connector_id,omitempty"`

	// TransactionStarted / MeterSample / TransactionEnded
	TransactionID string  `json:"transaction_id,omitempty"`
	IDTag         string  `json:"id_tag,omitempty"`
	MeterWh       float64 `json:"meter_wh,omitempty"`
	StopReason    string  `json:"stop_reason,omitempty"`
}

// CommandType identifies an internal command a lock holder may submit.
type CommandType string

const (
	CommandRemoteStart        CommandType = "RemoteStart"
	CommandRemoteStop         CommandType = "RemoteStop"
	CommandReset              CommandType = "Reset"
	CommandChangeAvailability CommandType = "ChangeAvailability"
)

// Command is the version-agnostic form of a command-class OCPP message.
// The JSON shape is the one backends put in their {"op":"command"} frames.
type Command struct {
	Type          CommandType `json:"type"`
	IDTag         string      `json:"idTag,omitempty"`
	ConnectorID   int         `json:"connectorId,omitempty"`
	TransactionID string      `json:"transactionId,omitempty"`
	ResetType     string      `json:"resetType,omitempty"`    // Hard | Soft
	Availability  string      `json:"availability,omitempty"` // Operative | Inoperative
}

// CommandResult carries the charger's answer to a command back to the
// submitting backend. Exactly one of Status/Payload is meaningful on
// success; Err is set when the charger answered with a CallError or the
// call failed locally.
type CommandResult struct {
	Status  string          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     *ProxyError     `json:"error,omitempty"`
}
