package server

import (
	"net/http"

	"github.com/pixperk/pagelock/pkg/types"
)

// converts domain errors to HTTP status codes
func toHTTPStatus(err error) int {
	switch types.ErrorCode(err) {
	case types.CodePageNotFound:
		return http.StatusNotFound

	case types.CodeInvalidPagePath, types.CodeInvalidPageContent:
		return http.StatusBadRequest

	case types.CodeLockTimeout:
		return http.StatusServiceUnavailable

	case types.CodeNotLockOwner:
		return http.StatusConflict

	case types.CodeCanceled:
		return http.StatusGatewayTimeout

	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := toHTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: types.ErrorCode(err)})
}
