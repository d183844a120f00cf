package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the query API. Every route under /api requires the
// bearer token; /health does not.
func SetupRoutes(h *Handlers, token string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check (no auth required)
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(token))

		r.Get("/stats", h.GetStats)
		r.Get("/users", h.GetUsers)
		r.Get("/violators", h.GetViolators)
		r.Get("/banlist", h.GetBanlist)
		r.Post("/banlist/clear", h.ClearBanlist)
		r.Get("/user/{email}", h.GetUser)
		r.Get("/nodes", h.GetNodes)
		r.Get("/shared_ips", h.GetSharedIPs)
	})

	return r
}

// bearerAuth rejects requests whose Authorization header does not carry the
// configured token. Comparison is constant-time.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			header := req.Header.Get("Authorization")
			got, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
