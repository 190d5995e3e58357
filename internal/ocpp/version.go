package ocpp

import (
	"fmt"
	"net/http"
	"strings"
)

// Version is a negotiated OCPP wire version.
type Version string

const (
	V16  Version = "1.6"
	V201 Version = "2.0.1"
)

// WebSocket subprotocol names per the OCPP specifications.
const (
	SubprotocolV16  = "ocpp1.6"
	SubprotocolV201 = "ocpp2.0.1"
)

// Subprotocols lists every subprotocol the proxy supports, newest first. The
// charger upgrade answers with the single negotiated one (Version.Subprotocol).
func Subprotocols() []string {
	return []string{SubprotocolV201, SubprotocolV16}
}

// Subprotocol returns the wire subprotocol name for v.
func (v Version) Subprotocol() string {
	if v == V201 {
		return SubprotocolV201
	}
	return SubprotocolV16
}

// ParseVersion normalizes the many ways a version can be spelled on the wire.
func ParseVersion(s string) (Version, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1.6", "ocpp1.6", "v1.6", "1.6j":
		return V16, true
	case "2.0.1", "ocpp2.0.1", "v2.0.1":
		return V201, true
	}
	return "", false
}

// NegotiateVersion picks the wire version for a charger upgrade request.
// Detection order: Sec-WebSocket-Protocol, X-OCPP-Version, ?version= query,
// URL path suffix, configured default. A non-empty subprotocol offer that
// contains no recognized protocol is a hard failure (the caller answers 400).
// When autoDetect is false the detection tables are skipped entirely.
func NegotiateVersion(r *http.Request, def Version, autoDetect bool) (Version, error) {
	if !autoDetect {
		return def, nil
	}

	if offered := websocketProtocols(r); len(offered) > 0 {
		for _, p := range offered {
			if v, ok := ParseVersion(p); ok {
				return v, nil
			}
		}
		return "", fmt.Errorf("no supported subprotocol in offer %v", offered)
	}

	if h := r.Header.Get("X-OCPP-Version"); h != "" {
		if v, ok := ParseVersion(h); ok {
			return v, nil
		}
	}

	if q := r.URL.Query().Get("version"); q != "" {
		if v, ok := ParseVersion(q); ok {
			return v, nil
		}
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		if v, ok := ParseVersion(path[i+1:]); ok {
			return v, nil
		}
	}

	return def, nil
}

// websocketProtocols returns the client's Sec-WebSocket-Protocol offer.
func websocketProtocols(r *http.Request) []string {
	var out []string
	for _, header := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, p := range strings.Split(header, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
