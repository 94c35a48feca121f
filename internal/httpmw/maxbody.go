package httpmw

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-webhook-relay/internal/jsonresp"
)

// MsgBodyTooLarge is the 413 message, shared with handlers that hit the limit mid-read.
const MsgBodyTooLarge = "request body too large"

// MaxBody caps the request body at limit bytes. A declared Content-Length over the
// limit is refused with 413 before the handler runs, otherwise reads past the limit
// fail with *http.MaxBytesError and the handler answers 413 itself.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				w.Header().Set("Connection", "close")
				jsonresp.Error(w, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
