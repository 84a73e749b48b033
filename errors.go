// Package traffickit provides traffic control middleware for Chi routers:
// per-client quotas, rate limiting, adaptive throttling, and load shedding,
// backed by a shared Redis or in-memory store.
//
// This file contains the error taxonomy used for structured rejection
// responses. Every rejection carries enough data for the caller to build a
// correct 429/503 response: the limit, what remains, and when to retry.
package traffickit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// APIError represents a structured traffic rejection response.
type APIError struct {
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Limit      int64  `json:"limit,omitempty"`
	Remaining  int64  `json:"remaining,omitempty"`
	Reset      int64  `json:"reset,omitempty"`       // unix seconds
	RetryAfter int64  `json:"retry_after,omitempty"` // seconds
	Status     int    `json:"-"`
}

type errorResponse struct {
	Error *APIError `json:"error"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Is implements errors.Is for comparing error types.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *APIError) With(message string) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// WithLimits returns a copy of the error carrying the rejection's
// limit/remaining/reset data.
func (e *APIError) WithLimits(limit, remaining int64, resetAt time.Time, retryAfter time.Duration) *APIError {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Limit = limit
	dup.Remaining = remaining
	if !resetAt.IsZero() {
		dup.Reset = resetAt.Unix()
	}
	if retryAfter > 0 {
		dup.RetryAfter = retryAfterSeconds(retryAfter)
	}
	return &dup
}

// Predefined sentinel errors
var (
	ErrBadRequest         = &APIError{Type: "request_error", Code: "bad_request", Message: "Bad request", Status: http.StatusBadRequest}
	ErrRateLimited        = &APIError{Type: "rate_limit_error", Code: "limit_exceeded", Message: "Rate limit exceeded", Status: http.StatusTooManyRequests}
	ErrQuotaExceeded      = &APIError{Type: "quota_error", Code: "quota_exceeded", Message: "Quota exceeded", Status: http.StatusTooManyRequests}
	ErrCircuitOpen        = &APIError{Type: "availability_error", Code: "circuit_open", Message: "Service temporarily unavailable", Status: http.StatusServiceUnavailable}
	ErrBackpressure       = &APIError{Type: "availability_error", Code: "over_capacity", Message: "Server over capacity", Status: http.StatusServiceUnavailable}
	ErrDegraded           = &APIError{Type: "availability_error", Code: "degraded", Message: "Service running in degraded mode", Status: http.StatusServiceUnavailable}
	ErrRetryExhausted     = &APIError{Type: "availability_error", Code: "retry_exhausted", Message: "Upstream failed after retries", Status: http.StatusBadGateway}
	ErrInternal           = &APIError{Type: "internal_error", Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}
	ErrNotFound           = &APIError{Type: "not_found", Code: "resource_not_found", Message: "Resource not found", Status: http.StatusNotFound}
	ErrServiceUnavailable = &APIError{Type: "request_error", Code: "service_unavailable", Message: "Service unavailable", Status: http.StatusServiceUnavailable}
)

// WriteError writes the error as a JSON response with its status code.
// A nil or status-less error is written as ErrInternal.
func WriteError(w http.ResponseWriter, apiErr *APIError) {
	if apiErr == nil || apiErr.Status == 0 {
		apiErr = ErrInternal
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(apiErr.RetryAfter, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: apiErr})
}

// retryAfterSeconds rounds up so a client never retries early.
func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
