package http

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/textric/textric-server/internal/middleware"
)

// NewRouter constructs the HTTP handler serving the account and
// enrollment API. It applies JSON content-type enforcement and request
// logging, and mounts the endpoints under /api.
//
// Routes:
//
//	GET    /api/users    → UserHandler.GenerateHandle
//	POST   /api/users    → UserHandler.CreateAccount
//	PATCH  /api/users    → UserHandler.ChangePassword
//	PUT    /api/users    → UserHandler.DeleteAccount
//	POST   /api/devices  → DeviceHandler.Init
//	PUT    /api/devices  → DeviceHandler.Complete
//	DELETE /api/devices  → DeviceHandler.Revoke
func NewRouter(
	userHandler *UserHandler,
	deviceHandler *DeviceHandler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Only allow requests with Content-Type: application/json
	r.Use(chiMiddleware.AllowContentType("application/json"))

	// Log each request and its metadata
	r.Use(middleware.WithRequestLogging(logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Get("/", userHandler.GenerateHandle)
			r.Post("/", userHandler.CreateAccount)
			r.Patch("/", userHandler.ChangePassword)
			r.Put("/", userHandler.DeleteAccount)
		})
		r.Route("/devices", func(r chi.Router) {
			r.Post("/", deviceHandler.Init)
			r.Put("/", deviceHandler.Complete)
			r.Delete("/", deviceHandler.Revoke)
		})
	})

	return r
}
