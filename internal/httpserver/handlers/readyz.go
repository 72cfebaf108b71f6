package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/hstroute/internal/httpserver/deps"
)

type readyzResponse struct {
	Ready   bool   `json:"ready"`
	Version uint64 `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Readyz is ready once the model yields a non-empty forest.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := d.Model.GetVirtualHosts(r.Context())
		switch {
		case err != nil:
			writeJSON(w, http.StatusServiceUnavailable, readyzResponse{Error: err.Error()})
		case f.Empty():
			writeJSON(w, http.StatusServiceUnavailable, readyzResponse{Version: f.Version(), Error: "no virtual hosts configured"})
		default:
			writeJSON(w, http.StatusOK, readyzResponse{Ready: true, Version: f.Version()})
		}
	}
}
