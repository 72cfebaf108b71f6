package handlers

import (
	"net/http"
	"time"

	"github.com/MrSnakeDoc/hstroute/internal/hst"
	"github.com/MrSnakeDoc/hstroute/internal/httpserver/deps"
)

type hostsResponse struct {
	Context          string         `json:"context"`
	Version          uint64         `json:"version"`
	BuiltAt          time.Time      `json:"builtAt"`
	DefaultHostName  string         `json:"defaultHostName,omitempty"`
	Defaults         hst.Defaults   `json:"defaults"`
	PrefixExclusions []string       `json:"prefixExclusions,omitempty"`
	SuffixExclusions []string       `json:"suffixExclusions,omitempty"`
	Hosts            []hst.HostInfo `json:"hosts"`
	Warnings         []string       `json:"warnings,omitempty"`
}

// Hosts dumps the current forest.
func Hosts(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := d.Model.GetVirtualHosts(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, hostsResponse{
			Context:          d.Model.ID(),
			Version:          f.Version(),
			BuiltAt:          f.BuiltAt(),
			DefaultHostName:  f.DefaultHostName(),
			Defaults:         f.Defaults(),
			PrefixExclusions: f.PrefixExclusions(),
			SuffixExclusions: f.SuffixExclusions(),
			Hosts:            f.Dump(),
			Warnings:         f.Warnings(),
		})
	}
}
