package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"labflow/pkg/domain"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) (int, errorBody) {
	body := errorBody{Error: err.Error(), Retryable: domain.IsRetryable(err)}
	var (
		notFound   domain.NotFoundError
		validation domain.ValidationError
		authz      domain.AuthorizationError
		conflict   domain.ConflictError
		artifact   domain.ArtifactError
		transition domain.TransitionError
	)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		body.Code = "unauthenticated"
		return http.StatusUnauthorized, body
	case errors.As(err, &notFound):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.As(err, &validation):
		body.Code = "validation"
		return http.StatusBadRequest, body
	case errors.As(err, &authz):
		body.Code = "forbidden"
		return http.StatusForbidden, body
	case errors.As(err, &conflict):
		body.Code, body.Reason = "conflict", conflict.Reason
		return http.StatusConflict, body
	case errors.As(err, &artifact):
		body.Code, body.Reason = "artifact", artifact.Reason
		if artifact.Reason == domain.ArtifactNotReady {
			return http.StatusConflict, body
		}
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &transition):
		body.Code, body.Reason = "transition", transition.Reason
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, domain.ErrInfrastructure):
		body.Code, body.Error = "unavailable", "storage temporarily unavailable"
		return http.StatusServiceUnavailable, body
	default:
		body.Code, body.Error = "internal", "internal error"
		return http.StatusInternalServerError, body
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func badRequest(field, msg string) error {
	return domain.ValidationError{Field: field, Message: msg}
}
