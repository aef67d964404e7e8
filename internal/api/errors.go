package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/comfyrelay/internal/comfy"
	"github.com/kalambet/comfyrelay/internal/relay"
)

// statusFor maps a relay error to an HTTP status and a client-facing
// message. A zero status means the client is gone and nothing should be
// written.
func statusFor(err error) (int, string) {
	var del *relay.DeliveryError
	var rej *comfy.RejectedError
	var exec *relay.ExecutionError
	switch {
	case errors.As(err, &del):
		return http.StatusBadGateway, "Failed to get image: " + del.Err.Error()
	case errors.As(err, &rej):
		return http.StatusBadGateway, "Failed to queue: " + rej.Error()
	case errors.Is(err, relay.ErrUnreachable):
		return http.StatusServiceUnavailable, "ComfyUI is not reachable"
	case errors.As(err, &exec):
		return http.StatusBadGateway, exec.Message
	case errors.Is(err, relay.ErrTimeout):
		return http.StatusGatewayTimeout, "Generation timeout"
	case errors.Is(err, context.Canceled):
		return 0, ""
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": fmt.Sprintf(format, args...),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
