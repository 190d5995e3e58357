// Package ocpp implements the OCPP-over-WebSocket JSON-RPC framing shared by
// both wire versions, the per-connection version negotiation, and the Adapter
// contract the version codecs implement.
package ocpp

import (
	"encoding/json"
	"fmt"
)

// OCPP message type identifiers (identical in 1.6 and 2.0.1).
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// ParseMessage splits a wire frame into its components. For Calls, action is
// set and payload holds the fourth element. For CallResults, payload holds
// the third element. For CallErrors, action carries the error code and
// payload the description/details pair re-marshalled as
// {"description":…,"details":…}.
func ParseMessage(data []byte) (messageType int, uniqueID string, action string, payload json.RawMessage, err error) {
	var frame []json.RawMessage
	if err = json.Unmarshal(data, &frame); err != nil {
		return 0, "", "", nil, fmt.Errorf("frame is not a JSON array: %w", err)
	}
	if len(frame) < 3 {
		return 0, "", "", nil, fmt.Errorf("frame has %d elements, need at least 3", len(frame))
	}

	if err = json.Unmarshal(frame[0], &messageType); err != nil {
		return 0, "", "", nil, fmt.Errorf("invalid message type: %w", err)
	}
	if err = json.Unmarshal(frame[1], &uniqueID); err != nil {
		return 0, "", "", nil, fmt.Errorf("invalid message id: %w", err)
	}

	switch messageType {
	case MessageTypeCall:
		if len(frame) < 4 {
			return 0, "", "", nil, fmt.Errorf("call frame has no payload")
		}
		if err = json.Unmarshal(frame[2], &action); err != nil {
			return 0, "", "", nil, fmt.Errorf("invalid action: %w", err)
		}
		return messageType, uniqueID, action, frame[3], nil

	case MessageTypeCallResult:
		return messageType, uniqueID, "", frame[2], nil

	case MessageTypeCallError:
		var code string
		if err = json.Unmarshal(frame[2], &code); err != nil {
			return 0, "", "", nil, fmt.Errorf("invalid error code: %w", err)
		}
		var description string
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &description)
		}
		var details json.RawMessage
		if len(frame) > 4 {
			details = frame[4]
		}
		payload, _ = json.Marshal(map[string]interface{}{
			"description": description,
			"details":     details,
		})
		return messageType, uniqueID, code, payload, nil

	default:
		return 0, "", "", nil, fmt.Errorf("unknown message type: %d", messageType)
	}
}

// MarshalCall builds a [2, id, action, payload] frame.
func MarshalCall(uniqueID, action string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeCall, uniqueID, action, payload})
}

// MarshalCallResult builds a [3, id, payload] frame.
func MarshalCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeCallResult, uniqueID, payload})
}

// MarshalCallError builds a [4, id, code, description, details] frame.
func MarshalCallError(uniqueID, errorCode, errorDescription string, errorDetails interface{}) ([]byte, error) {
	if errorDetails == nil {
		errorDetails = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{MessageTypeCallError, uniqueID, errorCode, errorDescription, errorDetails})
}

// RecoverMessageID makes a best-effort attempt to pull the message id out of
// a frame that failed full parsing, so the session can still answer with a
// CallError instead of dropping the connection.
func RecoverMessageID(data []byte) string {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		return ""
	}
	var id string
	if err := json.Unmarshal(frame[1], &id); err != nil {
		return ""
	}
	return id
}
