package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/hstroute/internal/httpserver/deps"
	"github.com/MrSnakeDoc/hstroute/internal/logger"
)

type reloadResponse struct {
	Triggered bool   `json:"triggered"`
	Message   string `json:"message"`
}

// Reload triggers a manual import of the configuration file
func Reload(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.ReloadTrigger == nil {
			writeError(w, http.StatusNotFound, "no configuration file to reload")
			return
		}

		select {
		case d.ReloadTrigger <- struct{}{}:
			d.Logger.Info("manual configuration reload triggered via endpoint",
				logger.String("remote_ip", r.RemoteAddr))
			writeJSON(w, http.StatusAccepted, reloadResponse{Triggered: true, Message: "reload triggered"})
		default:
			d.Logger.Warn("configuration reload already in progress",
				logger.String("remote_ip", r.RemoteAddr))
			writeJSON(w, http.StatusTooManyRequests, reloadResponse{Message: "reload already in progress, please wait"})
		}
	}
}

type invalidateResponse struct {
	Context string `json:"context"`
	Stale   bool   `json:"stale"`
}

// Invalidate marks the served snapshot stale so the next request rebuilds it
func Invalidate(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Model.Invalidate()
		d.Logger.Info("snapshot invalidated via endpoint",
			logger.String("context", d.Model.ID()),
			logger.String("remote_ip", r.RemoteAddr))
		writeJSON(w, http.StatusAccepted, invalidateResponse{Context: d.Model.ID(), Stale: d.Model.Stale()})
	}
}
