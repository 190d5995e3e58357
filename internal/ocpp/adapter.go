package ocpp

import (
	"encoding/json"
	"time"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
)

// CallOutcome is what an adapter produces for an inbound charger Call: zero
// or more internal events plus the CallResult payload to answer with.
type CallOutcome struct {
	Events   []events.Event
	Response interface{}
}

// Adapter translates between one OCPP wire dialect and the internal
// event/command vocabulary. Adapters are pure codecs: no I/O, no state
// beyond the version tag and monotonic id counters.
type Adapter interface {
	// Version reports the wire dialect this adapter speaks.
	Version() Version

	// NextMessageID returns a message id unique within the connection
	// lifetime: a monotonic counter rendered as a decimal string.
	NextMessageID() string

	// HandleCall decodes a charger-originated Call into internal events and
	// builds the CallResult payload. Unknown actions return a ProxyError
	// with code NotImplemented; undecodable payloads MalformedPayload.
	HandleCall(action string, payload json.RawMessage, now time.Time) (*CallOutcome, error)

	// EncodeEvent renders an internal event as the wire Call a charger of
	// this dialect would have sent. Used by the outbound forwarding leg and
	// it is the inverse of HandleCall on the supported event set.
	EncodeEvent(ev events.Event) (action string, payload interface{}, err error)

	// EncodeCommand renders an internal command as a wire Call action and
	// payload directed at the charger.
	EncodeCommand(cmd events.Command) (action string, payload interface{}, err error)

	// DecodeCommandResult interprets the charger's CallResult payload for a
	// previously encoded command.
	DecodeCommandResult(cmd events.Command, payload json.RawMessage) (events.CommandResult, error)

	// DecodeCommandCall maps a remote CSMS command Call (RemoteStart etc.)
	// to the internal command it expresses. Used on the outbound leg where
	// the remote service believes it is talking to a charge point.
	DecodeCommandCall(action string, payload json.RawMessage) (events.Command, error)
}
