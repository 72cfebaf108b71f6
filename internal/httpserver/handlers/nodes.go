package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/hstroute/internal/httpserver/deps"
	"github.com/MrSnakeDoc/hstroute/internal/logger"
	"github.com/MrSnakeDoc/hstroute/internal/repository"
)

const maxNodeBody = 1 << 20

type nodeRequest struct {
	Type       string              `json:"type"`
	Properties map[string][]string `json:"properties"`
}

type writeResponse struct {
	Path       string `json:"path"`
	Consistent bool   `json:"consistent"`
	Version    uint64 `json:"version,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PutNode creates or replaces the node at the wildcard path, waits until the write is
// visible to the model and returns the snapshot version that includes it.
func PutNode(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := nodePath(r)
		if path == "/" {
			writeError(w, http.StatusBadRequest, "cannot write the root node")
			return
		}

		var req nodeRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNodeBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid node: "+err.Error())
			return
		}
		t := repository.ParseNodeType(req.Type)
		if req.Type != "" && t == repository.TypeUnknown {
			writeError(w, http.StatusBadRequest, "unknown node type "+req.Type)
			return
		}

		n := repository.NewNode(path, t)
		for k, v := range req.Properties {
			n.Set(k, v...)
		}
		if err := d.Writer.Save(r.Context(), n); err != nil {
			writeWriteError(w, d, path, err)
			return
		}
		d.Logger.Info("node saved via endpoint", logger.String("path", path), logger.String("type", string(t)))
		respondConsistent(w, r, d, path, http.StatusOK)
	}
}

// DeleteNode removes the node at the wildcard path with its subtree.
func DeleteNode(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := nodePath(r)
		if path == "/" {
			writeError(w, http.StatusBadRequest, "cannot remove the root node")
			return
		}
		if err := d.Writer.Remove(r.Context(), path); err != nil {
			writeWriteError(w, d, path, err)
			return
		}
		d.Logger.Info("node removed via endpoint", logger.String("path", path))
		respondConsistent(w, r, d, path, http.StatusOK)
	}
}

func respondConsistent(w http.ResponseWriter, r *http.Request, d deps.Deps, path string, status int) {
	res := writeResponse{Path: path}
	res.Consistent = d.Model.AwaitConsistency(r.Context())
	f, err := d.Model.GetVirtualHosts(r.Context())
	if err != nil {
		// the write succeeded; the configuration it produced does not build
		res.Error = err.Error()
	} else {
		res.Version = f.Version()
	}
	if !res.Consistent {
		w.Header().Set("X-Consistency", "timeout")
	}
	writeJSON(w, status, res)
}

func writeWriteError(w http.ResponseWriter, d deps.Deps, path string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrUnavailable):
		d.Logger.Error("repository write failed", logger.String("path", path), logger.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func nodePath(r *http.Request) string {
	return repository.Clean("/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/"))
}
