package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the ncnotify management API.
//
// Route layout:
//
//	GET  /healthz                       – liveness probe (no authentication)
//	GET  /api/v1/streams                – list known streams
//	POST /api/v1/streams                – create a stream (JWT required)
//	POST /api/v1/streams/{name}/rules   – allow an event name (JWT required)
//	POST /api/v1/subscriptions/validate – validate a create-subscription request
//	GET  /api/v1/history                – query the publish-history mirror
//
//	GET  /api/v1/streams/{name}/live    – upgrade to WebSocket and push events
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on the
// admin routes (create stream, allow rule). Pass nil to disable JWT
// validation entirely (local development, or tests that cover only request
// parsing / response formatting).
//
// wsHandler serves the live-push WebSocket upgrade (internal/server/websocket).
// Pass nil to omit the route, e.g. in tests that only exercise the REST
// surface.
func NewRouter(srv *Server, pubKey *rsa.PublicKey, wsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/streams", srv.handleListStreams)
		r.Post("/subscriptions/validate", srv.handleValidateSubscription)
		r.Get("/history", srv.handleGetHistory)

		r.Group(func(r chi.Router) {
			if pubKey != nil {
				r.Use(JWTMiddleware(pubKey))
			}
			r.Post("/streams", srv.handleCreateStream)
			r.Post("/streams/{name}/rules", srv.handleAllowRule)
		})

		if wsHandler != nil {
			r.Get("/streams/{name}/live", wsHandler.ServeHTTP)
		}
	})

	return r
}
