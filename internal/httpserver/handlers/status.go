package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/hstroute/internal/configcache"
	"github.com/MrSnakeDoc/hstroute/internal/httpserver/deps"
	"github.com/MrSnakeDoc/hstroute/internal/scheduler"
)

type componentStatus struct {
	OK     bool   `json:"ok"`
	Mode   string `json:"mode,omitempty"`
	Impact string `json:"impact,omitempty"`
	Error  string `json:"error,omitempty"`
}

type modelStatus struct {
	componentStatus
	Context     string              `json:"context"`
	Version     uint64              `json:"version"`
	Stale       bool                `json:"stale"`
	Hosts       int                 `json:"hosts"`
	Mounts      int                 `json:"mounts"`
	Warnings    int                 `json:"warnings"`
	SyncEvents  uint64              `json:"syncEvents"`
	AsyncEvents uint64              `json:"asyncEvents"`
	Pending     int                 `json:"pending"`
	Caches      []configcache.Stats `json:"caches"`
}

type statusResponse struct {
	Mode       string                     `json:"mode"`
	Model      modelStatus                `json:"model"`
	Models     []string                   `json:"models"`
	Components map[string]componentStatus `json:"components"`
	LastReload *scheduler.ReloadStatus    `json:"lastReload,omitempty"`
}

// Status reports the model snapshot, its caches and the backing services.
func Status(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := d.Model
		mon := m.Monitor()
		ms := modelStatus{
			componentStatus: componentStatus{OK: true},
			Context:         m.ID(),
			Stale:           m.Stale(),
			SyncEvents:      mon.SyncCount(),
			AsyncEvents:     mon.AsyncCount(),
			Pending:         len(mon.Pending()),
			Caches:          m.CacheStats(),
		}
		if f := m.Current(); f != nil {
			ms.Version = f.Version()
			ms.Hosts = f.HostCount()
			ms.Mounts = f.MountCount()
			ms.Warnings = len(f.Warnings())
		} else {
			ms.OK = false
		}
		if err := m.LastError(); err != nil {
			ms.OK = false
			ms.Error = err.Error()
		}

		res := statusResponse{
			Model:      ms,
			Components: map[string]componentStatus{"redis": checkRedis(r.Context(), d)},
		}
		if d.Registry != nil {
			res.Models = d.Registry.IDs()
		}
		if d.Reloader != nil {
			last := d.Reloader.Last()
			res.LastReload = &last
		}
		res.Mode = determineMode(res)
		writeJSON(w, http.StatusOK, res)
	}
}

func determineMode(res statusResponse) string {
	if res.Model.Version == 0 {
		return "critical" // nothing ever built
	}
	if !res.Model.OK {
		return "degraded" // serving the last good snapshot
	}
	if redis, ok := res.Components["redis"]; ok && !redis.OK && redis.Mode != "disabled" {
		return "degraded"
	}
	return "optimal"
}

func checkRedis(ctx context.Context, d deps.Deps) componentStatus {
	if d.RedisClient == nil {
		return componentStatus{OK: true, Mode: "disabled", Impact: "memory-backend"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := d.RedisClient.Ping(ctx).Err(); err != nil {
		return componentStatus{
			OK:     false,
			Mode:   "degraded",
			Impact: "configuration-changes-not-shared",
			Error:  err.Error(),
		}
	}
	return componentStatus{OK: true, Mode: "optimal"}
}
