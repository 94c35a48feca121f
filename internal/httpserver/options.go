package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/health"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions
	// APIRoutes registers the guarded webhook routes (hookhttp.Routes.RegisterRoutes)
	APIRoutes func(chi.Router)
}
