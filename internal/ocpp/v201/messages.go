// Package v201 is the OCPP 2.0.1 codec. Message types are defined locally;
// framing lives in the parent ocpp package.
package v201

// OCPP 2.0.1 actions handled by the proxy.
const (
	ActionBootNotification        = "BootNotification"
	ActionHeartbeat               = "Heartbeat"
	ActionStatusNotification      = "StatusNotification"
	ActionTransactionEvent        = "TransactionEvent"
	ActionRequestStartTransaction = "RequestStartTransaction"
	ActionRequestStopTransaction  = "RequestStopTransaction"
	ActionReset                   = "Reset"
	ActionChangeAvailability      = "ChangeAvailability"
)

// ConnectorStatus is the 2.0.1 connector status enumeration.
type ConnectorStatus string

const (
	ConnectorAvailable   ConnectorStatus = "Available"
	ConnectorOccupied    ConnectorStatus = "Occupied"
	ConnectorReserved    ConnectorStatus = "Reserved"
	ConnectorUnavailable ConnectorStatus = "Unavailable"
	ConnectorFaulted     ConnectorStatus = "Faulted"
)

// TransactionEventType discriminates TransactionEvent requests.
type TransactionEventType string

const (
	EventStarted TransactionEventType = "Started"
	EventUpdated TransactionEventType = "Updated"
	EventEnded   TransactionEventType = "Ended"
)

// ChargingState is the transaction charging state.
type ChargingState string

const (
	ChargingStateCharging      ChargingState = "Charging"
	ChargingStateEVConnected   ChargingState = "EVConnected"
	ChargingStateSuspendedEV   ChargingState = "SuspendedEV"
	ChargingStateSuspendedEVSE ChargingState = "SuspendedEVSE"
	ChargingStateIdle          ChargingState = "Idle"
)

// ChargingStation describes the station in a BootNotification.
type ChargingStation struct {
	Model           string `json:"model"`
	VendorName      string `json:"vendorName"`
	SerialNumber    string `json:"serialNumber,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty"`
}

// BootNotificationRequest is the 2.0.1 boot message.
type BootNotificationRequest struct {
	Reason          string          `json:"reason"`
	ChargingStation ChargingStation `json:"chargingStation"`
}

// BootNotificationResponse answers a BootNotificationRequest.
type BootNotificationResponse struct {
	CurrentTime string `json:"currentTime"`
	Interval    int    `json:"interval"`
	Status      string `json:"status"`
}

// HeartbeatResponse answers a Heartbeat (the request body is empty).
type HeartbeatResponse struct {
	CurrentTime string `json:"currentTime"`
}

// StatusNotificationRequest reports a connector status change.
type StatusNotificationRequest struct {
	Timestamp       string          `json:"timestamp"`
	ConnectorStatus ConnectorStatus `json:"connectorStatus"`
	EvseID          int             `json:"evseId"`
	ConnectorID     int             `json:"connectorId"`
}

// StatusNotificationResponse is empty.
type StatusNotificationResponse struct{}

// IDToken identifies the charging authorization token.
type IDToken struct {
	IDToken string `json:"idToken"`
	Type    string `json:"type"`
}

// IDTokenInfo carries the authorization verdict in responses.
type IDTokenInfo struct {
	Status string `json:"status"`
}

// EVSE addresses an EVSE and optionally one of its connectors.
type EVSE struct {
	ID          int `json:"id"`
	ConnectorID int `json:"connectorId,omitempty"`
}

// SampledValue is one measurement. Unlike 1.6, the value is numeric.
type SampledValue struct {
	Value         float64        `json:"value"`
	Measurand     string         `json:"measurand,omitempty"`
	UnitOfMeasure *UnitOfMeasure `json:"unitOfMeasure,omitempty"`
}

// UnitOfMeasure qualifies a SampledValue.
type UnitOfMeasure struct {
	Unit       string `json:"unit,omitempty"`
	Multiplier int    `json:"multiplier,omitempty"`
}

// MeterValue groups samples taken at one instant.
type MeterValue struct {
	Timestamp    string         `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

// TransactionInfo identifies the transaction inside a TransactionEvent.
type TransactionInfo struct {
	TransactionID string        `json:"transactionId"`
	ChargingState ChargingState `json:"chargingState,omitempty"`
	StoppedReason string        `json:"stoppedReason,omitempty"`
}

// TransactionEventRequest is the 2.0.1 transaction lifecycle message; it
// subsumes 1.6's StartTransaction, StopTransaction and MeterValues.
type TransactionEventRequest struct {
	EventType       TransactionEventType `json:"eventType"`
	Timestamp       string               `json:"timestamp"`
	TriggerReason   string               `json:"triggerReason"`
	SeqNo           int                  `json:"seqNo"`
	TransactionInfo TransactionInfo      `json:"transactionInfo"`
	IDToken         *IDToken             `json:"idToken,omitempty"`
	Evse            *EVSE                `json:"evse,omitempty"`
	MeterValue      []MeterValue         `json:"meterValue,omitempty"`
}

// TransactionEventResponse answers a TransactionEventRequest.
type TransactionEventResponse struct {
	IDTokenInfo *IDTokenInfo `json:"idTokenInfo,omitempty"`
}

// RequestStartTransactionRequest is the 2.0.1 remote start command.
type RequestStartTransactionRequest struct {
	EvseID        int     `json:"evseId,omitempty"`
	RemoteStartID int     `json:"remoteStartId"`
	IDToken       IDToken `json:"idToken"`
}

// RequestStartTransactionResponse answers a remote start.
type RequestStartTransactionResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId,omitempty"`
}

// RequestStopTransactionRequest is the 2.0.1 remote stop command.
type RequestStopTransactionRequest struct {
	TransactionID string `json:"transactionId"`
}

// RequestStopTransactionResponse answers a remote stop.
type RequestStopTransactionResponse struct {
	Status string `json:"status"`
}

// ResetRequest requests a station reset.
type ResetRequest struct {
	Type   string `json:"type"` // Immediate | OnIdle
	EvseID int    `json:"evseId,omitempty"`
}

// ResetResponse answers a ResetRequest.
type ResetResponse struct {
	Status string `json:"status"`
}

// ChangeAvailabilityRequest toggles operative state.
type ChangeAvailabilityRequest struct {
	OperationalStatus string `json:"operationalStatus"` // Operative | Inoperative
	Evse              *EVSE  `json:"evse,omitempty"`
}

// ChangeAvailabilityResponse answers a ChangeAvailabilityRequest.
type ChangeAvailabilityResponse struct {
	Status string `json:"status"`
}
