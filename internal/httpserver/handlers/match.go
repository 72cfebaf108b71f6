package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MrSnakeDoc/hstroute/internal/configcache"
	"github.com/MrSnakeDoc/hstroute/internal/hst"
	"github.com/MrSnakeDoc/hstroute/internal/httpserver/deps"
	"github.com/MrSnakeDoc/hstroute/internal/logger"
)

type matchResponse struct {
	hst.Decision
	Cached bool `json:"cached,omitempty"`
}

type excludedResponse struct {
	Excluded bool   `json:"excluded"`
	Path     string `json:"path"`
}

// Match resolves ?host=&path= to a routing decision. host defaults to the request Host
// header; contextPath only affects the rendered base URL.
func Match(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		q := r.URL.Query()

		host := strings.TrimSpace(q.Get("host"))
		if host == "" {
			host = r.Host
		}
		path := q.Get("path")
		if path == "" {
			path = "/"
		}
		contextPath := q.Get("contextPath")

		f, err := d.Model.GetVirtualHosts(ctx)
		if err != nil {
			writeMatchError(w, d, host, path, err)
			return
		}

		cacheable := d.MatchCache != nil && contextPath == ""
		if cacheable {
			dec, ok, err := d.MatchCache.Get(ctx, f.Fingerprint(), host, path)
			if err != nil {
				d.Logger.Debug("match cache read failed", logger.Error(err))
			} else if ok {
				// another process may have cached it under its own version
				dec.Version = f.Version()
				w.Header().Set("X-Match-Cache", "hit")
				writeJSON(w, http.StatusOK, matchResponse{Decision: *dec, Cached: true})
				return
			}
		}

		res, err := d.Model.Match(ctx, host, path)
		if err != nil {
			writeMatchError(w, d, host, path, err)
			return
		}

		dec := res.Decision(contextPath)
		if cacheable {
			w.Header().Set("X-Match-Cache", "miss")
			if err := d.MatchCache.Put(ctx, host, path, dec); err != nil {
				d.Logger.Debug("match cache write failed", logger.Error(err))
			}
		}
		writeJSON(w, http.StatusOK, matchResponse{Decision: dec})
	}
}

func writeMatchError(w http.ResponseWriter, d deps.Deps, host, path string, err error) {
	switch {
	case errors.Is(err, hst.ErrExcluded):
		writeJSON(w, http.StatusOK, excludedResponse{Excluded: true, Path: path})
	case errors.Is(err, hst.ErrNoMatch):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, hst.ErrNotConfigured), errors.Is(err, configcache.ErrConfigLoading):
		d.Logger.Warn("match unavailable",
			logger.String("host", host),
			logger.String("path", path),
			logger.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		d.Logger.Error("match failed", logger.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}
