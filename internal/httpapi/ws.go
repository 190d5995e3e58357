package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/smartenergycontrol-be/ocpp-proxy/internal/backend"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/charger"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/metrics"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp/v16"
	"github.com/smartenergycontrol-be/ocpp-proxy/internal/ocpp/v201"
)

// handleChargerConnection upgrades the single charger endpoint. The wire
// version is negotiated from the request; a second charger while one is
// live is a conflict.
func (api *API) handleChargerConnection(w http.ResponseWriter, r *http.Request) {
	defaultVersion := ocpp.V16
	if v, ok := ocpp.ParseVersion(api.cfg.Policy.OCPPVersion); ok {
		defaultVersion = v
	}
	version, err := ocpp.NegotiateVersion(r, defaultVersion, api.cfg.Policy.AutoDetectOCPPVersion)
	if err != nil {
		api.logger.Warn("charger version negotiation failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if api.chargers.Current() != nil {
		http.Error(w, "charger already connected", http.StatusConflict)
		return
	}

	chargerID := r.URL.Query().Get("id")
	if chargerID == "" {
		chargerID = "charger"
	}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{version.Subprotocol()},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Error("charger upgrade failed", zap.Error(err))
		return
	}

	var adapter ocpp.Adapter
	if version == ocpp.V201 {
		adapter = v201.NewAdapter()
	} else {
		adapter = v16.NewAdapter()
	}

	session := charger.NewSession(chargerID, conn, adapter, api.bus, api.logger)
	if err := api.chargers.Attach(session); err != nil {
		// Lost the race against a concurrent upgrade.
		api.logger.Warn("rejecting concurrent charger connection",
			zap.String("charger_id", chargerID))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "charger already connected"))
		conn.Close()
		return
	}

	api.logger.Info("charger connected",
		zap.String("charger_id", chargerID),
		zap.String("version", string(version)),
		zap.String("remote_addr", r.RemoteAddr))

	metrics.ChargerConnected.Set(1)
	session.Run()
	metrics.ChargerConnected.Set(0)
}

// handleBackendConnection upgrades an inbound backend on the control
// protocol. A duplicate id is a conflict.
func (api *API) handleBackendConnection(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}

	if api.registry.Has(id) {
		http.Error(w, "backend id already registered", http.StatusConflict)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Error("backend upgrade failed", zap.Error(err))
		return
	}

	client := backend.NewClient(id, conn, api.registry, api.engine, api.logger)
	if err := api.registry.Register(id, client); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "backend id already registered"))
		conn.Close()
		return
	}

	api.logger.Info("backend connected",
		zap.String("backend_id", id),
		zap.String("remote_addr", r.RemoteAddr))
	client.Run()
}
