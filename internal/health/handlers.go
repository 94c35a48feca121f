package health

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/jsonresp"
)

type statusBody struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// HealthzHandler answers 200 while p passes and 503 with the reason otherwise.
// A nil probe is always healthy.
func HealthzHandler(p Probe) http.HandlerFunc {
	return handler(p, "ok")
}

// ReadyzHandler is HealthzHandler for readiness, answering "ready".
func ReadyzHandler(p Probe) http.HandlerFunc {
	return handler(p, "ready")
}

func handler(p Probe, okStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				jsonresp.Write(w, http.StatusServiceUnavailable, statusBody{Status: "unavailable", Reason: err.Error()})
				return
			}
		}
		jsonresp.Write(w, http.StatusOK, statusBody{Status: okStatus})
	}
}
