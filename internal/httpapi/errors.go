package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"wlmd/internal/device"
	"wlmd/internal/wlm"
	"wlmd/pkg/types"
)

// statusFor maps core error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case wlm.IsModelNotFound(err):
		return http.StatusNotFound
	case wlm.IsModelExists(err):
		return http.StatusConflict
	case wlm.IsQueueFull(err):
		return http.StatusTooManyRequests
	case wlm.IsShutdown(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, device.ErrBadSpec):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrNoCapacity),
		errors.Is(err, device.ErrNoSlots),
		errors.Is(err, device.ErrInsufficientSlots),
		errors.Is(err, device.ErrConflict):
		return http.StatusServiceUnavailable
	case wlm.IsEngineLoad(err):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusTooManyRequests {
		backpressureTotal.WithLabelValues("queue_full").Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
