package server

import (
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/loadforge/loadforge/pkg/application"
	"github.com/loadforge/loadforge/pkg/configuration"
	"github.com/loadforge/loadforge/pkg/constants"
	"github.com/loadforge/loadforge/pkg/metrics"
	"github.com/loadforge/loadforge/pkg/middleware"
	"github.com/loadforge/loadforge/pkg/server"
)

type DefaultOptions struct {
	Logger        *logrus.Logger
	Configuration *configuration.Configuration
	Application   application.Application
	Pool          *pgxpool.Pool
}

func Default(options *DefaultOptions) (*server.HTTPServer, error) {
	app := options.Application
	conf := options.Configuration

	// Core middleware stack with tracing capabilities
	middlewares := []mux.MiddlewareFunc{
		middleware.WithLogger(options.Logger, middleware.DefaultLoggerOptions()), // This now creates the root span for each request

		middleware.TracedMiddleware("database"),
		middleware.Provide(constants.AppKey, app),
		middleware.Provide(constants.PoolKey, options.Pool),

		middleware.TracedMiddleware("identity"),
		middleware.ProvideUser(conf.Auth.UserHeader),

		middleware.TracedMiddleware("cors"),
		middleware.Cors(conf.AllowedOrigins()...),

		middleware.TracedMiddleware("opsGuard"),
		middleware.OpsGuard(conf.OpsGuard, conf.Prometheus.Path),
	}
	app.RegisterMiddleware(middlewares...)

	if conf.Prometheus.Enabled {
		app.RegisterControllers(metrics.NewPrometheusController(conf.Prometheus.Path))
	}

	return server.NewHTTPServer(app, server.NotFound(), server.MethodNotAllowed()), nil
}
