// Package httputil holds the JSON request/response helpers shared by the
// control-surface handlers, so every endpoint uses the same envelope for
// payloads and errors.
package httputil
