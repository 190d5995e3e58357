// Package httpapi is the proxy's HTTP and WebSocket surface: the charger
// and backend endpoints, the session query API, the status page and the
// operational endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relvacode/iso8601"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/arbiter"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/backend"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/charger"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/config"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/events"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/sessionlog"
)

// proxyVersion is reported in /status.
const proxyVersion = "0.3.0"

// API holds the handlers' dependencies.
type API struct {
	cfg      *config.Config
	store    *sessionlog.Store
	engine   *arbiter.Engine
	registry *backend.Registry
	chargers *charger.Manager
	bus      *events.Bus
	logger   *zap.Logger
}

// New creates the API.
func New(cfg *config.Config, store *sessionlog.Store, engine *arbiter.Engine,
	registry *backend.Registry, chargers *charger.Manager, bus *events.Bus, logger *zap.Logger) *API {
	return &API{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		registry: registry,
		chargers: chargers,
		bus:      bus,
		logger:   logger,
	}
}

// Router builds the chi router for the whole surface.
func (api *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", api.statusPage)
	r.HandleFunc("/charger", api.handleChargerConnection)
	r.HandleFunc("/charger/*", api.handleChargerConnection)
	r.HandleFunc("/backend", api.handleBackendConnection)

	r.Get("/sessions", api.getSessions)
	r.Get("/sessions.csv", api.getSessionsCSV)
	r.Get("/sessions/{id}", api.getSession)
	r.Get("/status", api.getStatus)
	r.Post("/override", api.postOverride)

	r.Get("/healthz", api.healthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// parseFilter reads the from/to/backend_id query parameters.
func parseFilter(r *http.Request) (sessionlog.Filter, error) {
	var f sessionlog.Filter
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := iso8601.ParseString(v)
		if err != nil {
			return f, errors.New("invalid 'from' timestamp")
		}
		f.From = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := iso8601.ParseString(v)
		if err != nil {
			return f, errors.New("invalid 'to' timestamp")
		}
		f.To = &t
	}
	f.BackendID = r.URL.Query().Get("backend_id")
	return f, nil
}

// getSessions returns the session list as JSON.
func (api *API) getSessions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sessions, err := api.store.ListSessions(r.Context(), filter)
	if err != nil {
		api.logger.Error("failed to list sessions", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []sessionlog.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

// getSessionsCSV streams the CSV export.
func (api *API) getSessionsCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="sessions.csv"`)
	if err := api.store.ExportCSV(r.Context(), w, filter); err != nil {
		api.logger.Error("failed to export sessions", zap.Error(err))
	}
}

// getSession returns one session by id.
func (api *API) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	sess, err := api.store.GetSession(r.Context(), id)
	if errors.Is(err, sessionlog.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		api.logger.Error("failed to get session", zap.Int64("session_id", id), zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

// statusDocument is the /status response body.
type statusDocument struct {
	ChargerStatus string           `json:"charger_status"`
	ChargerID     string           `json:"charger_id,omitempty"`
	OCPPVersion   string           `json:"ocpp_version,omitempty"`
	ControlHolder string           `json:"control_holder"`
	LockState     string           `json:"lock_state"`
	Backends      []backend.Status `json:"backends"`
	Version       string           `json:"version"`
}

// getStatus reports charger, lock and backend state.
func (api *API) getStatus(w http.ResponseWriter, r *http.Request) {
	doc := statusDocument{
		ChargerStatus: "Disconnected",
		Backends:      api.registry.Statuses(),
		Version:       proxyVersion,
	}
	if doc.Backends == nil {
		doc.Backends = []backend.Status{}
	}

	if sess := api.chargers.Current(); sess != nil {
		doc.ChargerStatus = string(sess.Status())
		doc.ChargerID = sess.ID
		doc.OCPPVersion = string(sess.Version())
	}

	state, holder, override := api.engine.Snapshot()
	doc.LockState = string(state)
	doc.ControlHolder = holder
	if override {
		doc.ControlHolder = "user-override"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

// postOverride toggles the administrative override.
func (api *API) postOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Active == nil {
		http.Error(w, `body must be {"active": bool}`, http.StatusBadRequest)
		return
	}

	api.engine.SetOverride(*body.Active)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"active": *body.Active})
}

// healthz is the liveness probe.
func (api *API) healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
