package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/hstroute/internal/httpserver/deps"
	"github.com/MrSnakeDoc/hstroute/internal/httpserver/handlers"
)

func init() { Register(registerMatch) }

func registerMatch(r chi.Router, d deps.Deps) {
	r.Get("/api/match", handlers.Match(d))
	r.Get("/api/hosts", handlers.Hosts(d))
}
