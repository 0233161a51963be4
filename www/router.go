// Package www exposes the sorter's HTTP API: arm control, calibration,
// operation history, and a server-sent event stream.
package www

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sortarm/engine"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	engine   *engine.Engine
	sessions *sessionStore
	eventHub *EventHub
}

// NewRouter creates the chi router and returns it along with a stop function.
func NewRouter(eng *engine.Engine) (http.Handler, func()) {
	h := &Handlers{
		engine:   eng,
		sessions: newSessionStore(eng.AppConfig().Web.SessionSecret),
		eventHub: NewEventHub(),
	}

	h.eventHub.SetupEngineListeners(eng)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// SSE (no auth — operator displays)
	r.Get("/events", h.eventHub.HandleSSE)

	r.Post("/api/login", h.handleLogin)
	r.Post("/api/logout", h.handleLogout)

	r.Route("/api", func(r chi.Router) {
		// Arm control (operator actions)
		r.Route("/arm", func(r chi.Router) {
			r.Get("/status", h.apiArmStatus)
			r.Get("/configuration", h.apiArmConfiguration)
			r.Get("/statistics", h.apiArmStatistics)
			r.Get("/history", h.apiArmHistory)
			r.Get("/bins", h.apiArmBins)

			r.Post("/connect", h.apiArmConnect)
			r.Post("/disconnect", h.apiArmDisconnect)
			r.Post("/home", h.apiArmHome)
			r.Post("/emergency-stop", h.apiArmEmergencyStop)
			r.Post("/reset-errors", h.apiArmResetErrors)
			r.Post("/move/position", h.apiArmMovePosition)
			r.Post("/move/joints", h.apiArmMoveJoints)
			r.Post("/grab", h.apiArmGrab)
			r.Post("/release", h.apiArmRelease)
			r.Post("/speed", h.apiArmSpeed)
			r.Post("/sort", h.apiArmSort)
		})

		// Sorter loop
		r.Route("/sorter", func(r chi.Router) {
			r.Get("/status", h.apiSorterStatus)
			r.Post("/start", h.apiSorterStart)
			r.Post("/stop", h.apiSorterStop)
		})

		// Coordinate transform
		r.Post("/transform/convert", h.apiTransformConvert)
		r.Get("/calibration", h.apiCalibrationGet)

		// Persisted operation log
		r.Get("/operations", h.apiOperations)
		r.Get("/operations/stats", h.apiOperationStats)

		// Admin API (configuration mutations)
		r.Group(func(r chi.Router) {
			r.Use(h.adminMiddleware)

			r.Post("/calibration", h.apiCalibrationUpdate)
			r.Post("/arm/switch", h.apiArmSwitch)
			r.Post("/arm/statistics/reset", h.apiArmResetStatistics)
			r.Put("/config/sorter", h.apiUpdateSorterConfig)
			r.Post("/config/password", h.handleChangePassword)
		})
	})

	return r, func() {
		h.eventHub.Stop()
	}
}

func (h *Handlers) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, ok := h.sessions.getUser(r)
		if !ok || username == "" {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
