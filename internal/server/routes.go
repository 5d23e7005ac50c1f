package server

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status          string `json:"status"`
	Agents          int    `json:"agents"`
	ConnectedAgents int    `json:"connectedAgents"`
	Observers       int    `json:"observers"`
}

// handleHealth reports liveness plus registry sizes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.router.Status()
	connected := 0
	for _, c := range st.Controlled {
		if c.Connected {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "ok",
		Agents:          len(st.Controlled),
		ConnectedAgents: connected,
		Observers:       len(st.Observers),
	})
}

// handleStatus returns the router's registries, optionally filtered to one
// identity with ?identity=.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.router.Status()

	if identity := r.URL.Query().Get("identity"); identity != "" {
		filtered := st
		filtered.Controlled = filtered.Controlled[:0:0]
		filtered.Observers = filtered.Observers[:0:0]
		for _, c := range st.Controlled {
			if c.Identity == identity {
				filtered.Controlled = append(filtered.Controlled, c)
			}
		}
		for _, o := range st.Observers {
			if o.Identity == identity {
				filtered.Observers = append(filtered.Observers, o)
			}
		}
		if len(filtered.Controlled) == 0 && len(filtered.Observers) == 0 {
			writeError(w, http.StatusNotFound, "unknown identity")
			return
		}
		st = filtered
	}

	writeJSON(w, http.StatusOK, st)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
