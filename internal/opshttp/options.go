package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	// OnPanic runs for every recovered panic, main wires it to the panic counter
	OnPanic func()
}
