package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"recio/internal/ats"
	"recio/internal/store"
	"recio/pkg/types"
)

// Handlers holds the endpoint implementations. Manual trade actions are
// proxied to the trade manager's RPC; everything else reads local state.
type Handlers struct {
	store    *store.Store
	cache    *ats.Cache
	hub      *Hub
	trades   *TradeProxy
	upgrader websocket.Upgrader
	logger   *slog.Logger
	started  time.Time
}

// NewHandlers wires the endpoint set.
func NewHandlers(st *store.Store, cache *ats.Cache, hub *Hub, trades *TradeProxy, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:  st,
		cache:  cache,
		hub:    hub,
		trades: trades,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.With("component", "api"),
		started: time.Now(),
	}
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(h.started).Seconds()),
	})
}

// HandleStatus reports the service health table maintained by the failure
// detector.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	states, err := h.store.ServiceHealth(r.Context())
	if err != nil {
		h.logger.Error("status read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, states)
}

// HandleActiveTrades serves the monitoring rows through the read cache.
func (h *Handlers) HandleActiveTrades(w http.ResponseWriter, r *http.Request) {
	active, err := h.cache.List(r.Context())
	if err != nil {
		h.logger.Error("active trades read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "active trades unavailable")
		return
	}
	if active == nil {
		active = []*types.ActiveTrade{}
	}
	writeJSON(w, http.StatusOK, active)
}

// HandleTrades lists non-terminal trades.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.store.NonTerminal(r.Context())
	if err != nil {
		h.logger.Error("trades read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "trades unavailable")
		return
	}
	if trades == nil {
		trades = []*types.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// HandleGetPreferences returns the stored preferences or defaults.
func (h *Handlers) HandleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.store.Preferences(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "preferences unavailable")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// HandlePutPreferences replaces the stored preferences.
func (h *Handlers) HandlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs types.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "malformed preferences")
		return
	}
	if err := h.store.SavePreferences(r.Context(), prefs); err != nil {
		h.logger.Error("preferences save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// HandleBalance returns the synced account balance.
func (h *Handlers) HandleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.store.Balance(r.Context())
	if err != nil {
		writeError(w, http.StatusNotFound, "balance not yet synced")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// HandleOpenTrade accepts a manual entry from the UI and forwards it to the
// trade manager. Clients that send their own intent_id get retry dedupe from
// the manager; a request without one has an id minted here so plain manual
// entries still pass the manager's validation.
func (h *Handlers) HandleOpenTrade(w http.ResponseWriter, r *http.Request) {
	var intent types.EntryIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		writeError(w, http.StatusBadRequest, "malformed entry intent")
		return
	}
	intent.Method = types.EntryManual
	if intent.IntentID == "" {
		intent.IntentID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}

	ticket, err := h.trades.Open(r.Context(), intent)
	if err != nil {
		h.logger.Error("manual entry failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"ticket_id": ticket})
}

// HandleCloseTrade forwards a manual close to the trade manager.
func (h *Handlers) HandleCloseTrade(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticket")
	if err := h.trades.Close(r.Context(), ticketID, "manual"); err != nil {
		h.logger.Error("manual close failed", "ticket_id", ticketID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"ticket_id": ticketID})
}

// HandleNotifyDBChange receives the best-effort change hints from writers
// and relays them to the UI stream. Always 200: a malformed hint is dropped,
// not bounced, because writers never retry these.
func (h *Handlers) HandleNotifyDBChange(w http.ResponseWriter, r *http.Request) {
	var change types.DBChange
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		h.logger.Debug("malformed db_change", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.hub.Broadcast(UIEvent{
		Type:      "db_change",
		Timestamp: time.Now(),
		Data:      change,
	})
	w.WriteHeader(http.StatusOK)
}

// HandleWebSocket upgrades a UI connection onto the event stream.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	newWSClient(h.hub, conn)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// mountRoutes attaches every endpoint to the router.
func (h *Handlers) mountRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/api/status", h.HandleStatus)
	r.Get("/api/active_trades", h.HandleActiveTrades)
	r.Get("/api/trades", h.HandleTrades)
	r.Get("/api/preferences", h.HandleGetPreferences)
	r.Put("/api/preferences", h.HandlePutPreferences)
	r.Get("/api/balance", h.HandleBalance)
	r.Post("/api/trades", h.HandleOpenTrade)
	r.Post("/api/trades/{ticket}/close", h.HandleCloseTrade)
	r.Post("/api/notify_db_change", h.HandleNotifyDBChange)
	r.Get("/ws", h.HandleWebSocket)
}
