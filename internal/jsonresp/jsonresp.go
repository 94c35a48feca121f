// Package jsonresp writes the small JSON bodies the relay answers with.
package jsonresp

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the shape of every error response: {"error": true, "message": "..."}
type ErrorBody struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// ResultBody is returned once a call passed every check: {"result": true|false}
type ResultBody struct {
	Result bool `json:"result"`
}

// Write encodes v as the response body with the given status.
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes {"error": true, "message": msg} with the given status.
func Error(w http.ResponseWriter, status int, msg string) {
	Write(w, status, ErrorBody{Error: true, Message: msg})
}
