package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/karian7/chatrelay/internal/api/middleware"
	"github.com/karian7/chatrelay/internal/handlers"
	"github.com/karian7/chatrelay/internal/store"
	"github.com/karian7/chatrelay/internal/transport/ws"
)

// NewRouter creates and configures the HTTP router. The websocket gateway
// carries the chat protocol; everything else is plumbing around it.
func NewRouter(logger zerolog.Logger, data store.DataStore, redisStore *store.RedisStore, gateway *ws.Gateway) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024)) // 8KB max body

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - browser clients connect from anywhere
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(data, redisStore)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", h.Health)

	// Room CRUD; membership and messaging go over the websocket
	r.Get("/rooms", h.ListRooms)
	r.Post("/rooms", h.CreateRoom)
	r.Get("/rooms/{id}", h.GetRoom)

	// Chat protocol
	r.Get("/ws", gateway.HandleWS)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		h.Error(w, http.StatusNotFound, "not found")
	})

	return r
}
