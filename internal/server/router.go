package server

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"pushsocket/internal/handler"
	"pushsocket/internal/metrics"
	"pushsocket/internal/middleware"
	"pushsocket/internal/store"
)

type Deps struct {
	Version  string
	Policy   handler.Policy
	Store    store.Storage
	Registry handler.Registrar
	Resolver handler.Resolver
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	// Webserver enables registration over HTTP. Without it accounts are
	// only added from the command line.
	Webserver bool
	// Limiter, when set, limits registration calls per client IP. The
	// caller stops it.
	Limiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Logger))

	discovery := &handler.DiscoveryHandler{Version: deps.Version}
	r.GET("/", discovery.Discover)

	if deps.Webserver {
		registration := &handler.RegistrationHandler{
			Policy:   deps.Policy,
			Store:    deps.Store,
			Registry: deps.Registry,
			Resolver: deps.Resolver,
			Logger:   deps.Logger.With().Str("component", "registration").Logger(),
		}
		var limit []gin.HandlerFunc
		if deps.Limiter != nil {
			limit = append(limit, middleware.RateLimit(deps.Limiter))
		}
		r.POST("/", append(limit, registration.Register)...)
		r.DELETE("/", append(limit, registration.Unregister)...)
	}

	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	return r
}
