package trade

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"recio/pkg/types"
)

// Router exposes the manager's RPC. The main app proxies manual UI actions
// here; the auto-entry engine and supervisor call the manager in-process
// when co-located, or through this surface when split out.
func (m *Manager) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Post("/rpc/open", func(w http.ResponseWriter, req *http.Request) {
		var intent types.EntryIntent
		if err := json.NewDecoder(req.Body).Decode(&intent); err != nil {
			rpcError(w, http.StatusBadRequest, "malformed entry intent")
			return
		}
		if intent.IntentID == "" || intent.Contract == "" || intent.Contracts <= 0 {
			rpcError(w, http.StatusBadRequest, "intent_id, contract and contracts are required")
			return
		}

		ticket, err := m.OpenTrade(req.Context(), intent)
		if err != nil {
			rpcError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		rpcJSON(w, http.StatusAccepted, map[string]string{"ticket_id": ticket})
	})

	r.Post("/rpc/close", func(w http.ResponseWriter, req *http.Request) {
		var intent types.CloseIntent
		if err := json.NewDecoder(req.Body).Decode(&intent); err != nil {
			rpcError(w, http.StatusBadRequest, "malformed close intent")
			return
		}
		if intent.TicketID == "" {
			rpcError(w, http.StatusBadRequest, "ticket_id is required")
			return
		}

		if err := m.CloseTrade(req.Context(), intent); err != nil {
			rpcError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		rpcJSON(w, http.StatusAccepted, map[string]string{"ticket_id": intent.TicketID})
	})

	return r
}

func rpcJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func rpcError(w http.ResponseWriter, code int, msg string) {
	rpcJSON(w, code, map[string]string{"error": msg})
}
