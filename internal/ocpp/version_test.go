package ocpp

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateVersionSubprotocol(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "ocpp2.0.1, ocpp1.6")

	v, err := NegotiateVersion(r, V16, true)
	require.NoError(t, err)
	assert.Equal(t, V201, v)
}

func TestNegotiateVersionSubprotocolWins(t *testing.T) {
	// The subprotocol offer outranks every other hint.
	r := httptest.NewRequest("GET", "/charger?version=2.0.1", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "ocpp1.6")
	r.Header.Set("X-OCPP-Version", "2.0.1")

	v, err := NegotiateVersion(r, V201, true)
	require.NoError(t, err)
	assert.Equal(t, V16, v)
}

func TestNegotiateVersionUnknownSubprotocolFails(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "mqtt, soap")

	_, err := NegotiateVersion(r, V16, true)
	assert.Error(t, err)
}

func TestNegotiateVersionHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger", nil)
	r.Header.Set("X-OCPP-Version", "2.0.1")

	v, err := NegotiateVersion(r, V16, true)
	require.NoError(t, err)
	assert.Equal(t, V201, v)
}

func TestNegotiateVersionQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger?version=2.0.1", nil)

	v, err := NegotiateVersion(r, V16, true)
	require.NoError(t, err)
	assert.Equal(t, V201, v)
}

func TestNegotiateVersionPathSuffix(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger/v2.0.1", nil)

	v, err := NegotiateVersion(r, V16, true)
	require.NoError(t, err)
	assert.Equal(t, V201, v)

	r = httptest.NewRequest("GET", "/charger/v1.6", nil)
	v, err = NegotiateVersion(r, V201, true)
	require.NoError(t, err)
	assert.Equal(t, V16, v)
}

func TestNegotiateVersionDefault(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger", nil)

	v, err := NegotiateVersion(r, V201, true)
	require.NoError(t, err)
	assert.Equal(t, V201, v)
}

func TestNegotiateVersionDetectionDisabled(t *testing.T) {
	r := httptest.NewRequest("GET", "/charger", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "ocpp2.0.1")

	v, err := NegotiateVersion(r, V16, false)
	require.NoError(t, err)
	assert.Equal(t, V16, v)
}

func TestParseVersionSpellings(t *testing.T) {
	for _, s := range []string{"1.6", "ocpp1.6", "v1.6", "OCPP1.6"} {
		v, ok := ParseVersion(s)
		assert.True(t, ok, s)
		assert.Equal(t, V16, v, s)
	}
	for _, s := range []string{"2.0.1", "ocpp2.0.1", "v2.0.1"} {
		v, ok := ParseVersion(s)
		assert.True(t, ok, s)
		assert.Equal(t, V201, v, s)
	}
	_, ok := ParseVersion("3.0")
	assert.False(t, ok)
}
