package supervisor

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router exposes the coordinator's control RPC. Bound to the coordinator's
// manifest port; the failure detector and the operator CLI are the clients.
func (s *Supervisor) Router(maxRestartsPerHour int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/services", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.States())
	})

	r.Post("/services/{name}/start", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if err := s.Start(req.Context(), name); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "started", "service": name})
	})

	r.Post("/services/{name}/stop", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if err := s.Stop(name); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "service": name})
	})

	r.Post("/services/{name}/restart", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		if err := s.Restart(req.Context(), name); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "service": name})
	})

	r.Post("/reload", func(w http.ResponseWriter, req *http.Request) {
		if err := s.Reload(req.Context()); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	})

	r.Post("/master_restart", func(w http.ResponseWriter, req *http.Request) {
		if err := s.MasterRestart(req.Context(), maxRestartsPerHour); err != nil {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
