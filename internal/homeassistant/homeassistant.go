// Package homeassistant binds the arbiter's presence and override gates to
// a Home Assistant instance over its REST API. Entity states are cached for
// a second so policy checks never hammer the API.
package homeassistant

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// cacheTTL is how long an entity state is reused before re-polling.
const cacheTTL = time.Second

// Client talks to the Home Assistant REST API.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedState
}

type cachedState struct {
	state     string
	fetchedAt time.Time
}

// NewClient creates an API client. baseURL is the instance root, e.g.
// http://homeassistant.local:8123.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
		cache:   make(map[string]cachedState),
	}
}

// EntityState fetches an entity's state, served from the 1 Hz cache.
func (c *Client) EntityState(entityID string) (string, error) {
	c.mu.Lock()
	if cached, ok := c.cache[entityID]; ok && time.Since(cached.fetchedAt) < cacheTTL {
		c.mu.Unlock()
		return cached.state, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/states/%s", c.baseURL, entityID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("query entity %s: %w", entityID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query entity %s: status %d", entityID, resp.StatusCode)
	}

	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode entity %s: %w", entityID, err)
	}

	c.mu.Lock()
	c.cache[entityID] = cachedState{state: body.State, fetchedAt: time.Now()}
	c.mu.Unlock()
	return body.State, nil
}

// Presence reports whether the tracked entity is home. An unreachable
// instance reads as not present, so absence of data never blocks charging.
type Presence struct {
	client *Client
	entity string
}

// NewPresence tracks a device_tracker or person entity.
func NewPresence(client *Client, entity string) *Presence {
	return &Presence{client: client, entity: entity}
}

// IsPresent implements arbiter.PresenceSource.
func (p *Presence) IsPresent() bool {
	state, err := p.client.EntityState(p.entity)
	if err != nil {
		p.client.logger.Warn("presence source unreachable", zap.String("entity", p.entity), zap.Error(err))
		return false
	}
	return state == "home"
}

// Override reports the administrative override toggle. An unreachable
// instance reads as inactive.
type Override struct {
	client *Client
	entity string
}

// NewOverride tracks an input_boolean entity.
func NewOverride(client *Client, entity string) *Override {
	return &Override{client: client, entity: entity}
}

// IsActive reports whether the override toggle is on.
func (o *Override) IsActive() bool {
	state, err := o.client.EntityState(o.entity)
	if err != nil {
		o.client.logger.Warn("override source unreachable", zap.String("entity", o.entity), zap.Error(err))
		return false
	}
	return state == "on"
}

// StaticPresence is a fixed presence value, for tests and deployments
// without a home-automation binding.
type StaticPresence bool

// IsPresent implements arbiter.PresenceSource.
func (s StaticPresence) IsPresent() bool { return bool(s) }

// StaticOverride is a fixed override value.
type StaticOverride bool

// IsActive reports the fixed value.
func (s StaticOverride) IsActive() bool { return bool(s) }
