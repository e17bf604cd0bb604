package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
)

// writeJSON writes v as a 200 JSON body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// errorEnvelope is spec.md §6's error envelope:
// {code, message, context, httpStatus, timestamp}.
type errorEnvelope struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context,omitempty"`
	HTTPStatus int            `json:"httpStatus"`
	Timestamp  time.Time      `json:"timestamp"`
}

// writeError maps err to an apierrors.Error (defaulting to Unknown/500
// when err isn't one) and writes the spec.md §6 error envelope, setting
// Retry-After for the 503 cases spec.md §4.6 names.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierrors.As(err)
	if !ok {
		apiErr = apierrors.New(apierrors.Unknown, err.Error(), nil)
	}

	if apiErr.Status() == http.StatusServiceUnavailable {
		retryAfter := 2
		if v, ok := apiErr.Details["retryAfter"]; ok {
			if n, ok := v.(int); ok {
				retryAfter = n
			}
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status())
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Code:       string(apiErr.Code),
		Message:    apiErr.Message,
		Context:    apiErr.Details,
		HTTPStatus: apiErr.Status(),
		Timestamp:  time.Now(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return apierrors.New(apierrors.ValidationFailed, "missing request body", nil)
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierrors.New(apierrors.ValidationFailed, "malformed JSON body", map[string]any{"error": err.Error()})
	}
	return nil
}
