/**
 * @description
 * This file sets up the HTTP router for the kiosk backend. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * the session-authentication middleware to the protected group.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS policy for the touchscreen front-end.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// KioskRoutes creates and returns the router for the kiosk backend.
func KioskRoutes(h *KioskHandlers, sessions SessionVerifier) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// The kiosk front-end is served from the device itself.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public endpoints.
	r.Get("/health", h.HealthHandler)
	r.Post("/auth/register", h.RegisterHandler)
	r.Post("/auth/verify", h.VerifyHandler)

	// Group routes that require an authenticated kiosk session.
	r.Group(func(r chi.Router) {
		r.Use(SessionAuthMiddleware(sessions))

		r.Post("/auth/logout", h.LogoutHandler)
		r.Post("/deposits/record", h.DepositHandler)
		r.Post("/transfers/send", h.TransferHandler)
		r.Get("/transfers/status/{id}", h.TransferStatusHandler)
		r.Post("/bills/pay", h.BillPayHandler)
		r.Get("/bills/providers", h.BillProvidersHandler)
		r.Get("/transactions/history", h.HistoryHandler)
	})

	return r
}
