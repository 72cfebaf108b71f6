package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/hstroute/internal/httpserver/deps"
	"github.com/MrSnakeDoc/hstroute/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/hstroute/internal/httpserver/mw"
)

func init() { Register(registerAdmin) }

func registerAdmin(r chi.Router, d deps.Deps) {
	r.Group(func(r chi.Router) {
		r.Use(admin(d)...)
		r.Get("/api/status", handlers.Status(d))
		r.Post("/api/reload", handlers.Reload(d))
		r.Post("/api/invalidate", handlers.Invalidate(d))

		r.With(mw.RateLimit(mw.RateLimitConfig{
			Burst:             d.AdminBurst,
			RefillPerIPPerMin: d.AdminRefill,
			MaxEntries:        1024,
			TrustProxy:        d.TrustProxy,
		})).Route("/api/nodes", func(r chi.Router) {
			r.Put("/*", handlers.PutNode(d))
			r.Delete("/*", handlers.DeleteNode(d))
		})
	})
}
