package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type healthStatus struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
}

// HealthHandler reports whether the reactor is answering.
func (s *Server) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		st, err := s.Stats(ctx)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(healthStatus{Status: "unavailable"})
			return
		}

		json.NewEncoder(w).Encode(healthStatus{
			Status:      "ok",
			Connections: st.Connections,
			Sessions:    st.Sessions,
		})
	})
}
