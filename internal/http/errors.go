package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Violations []string `json:"violations,omitempty"`
}

// StatusFor maps a lifecycle error code to an HTTP status.
func StatusFor(code plan.Code) int {
	switch code {
	case plan.CodeValidation, plan.CodePathEscape:
		return http.StatusBadRequest
	case plan.CodeUnauthenticated:
		return http.StatusUnauthorized
	case plan.CodeNotFound:
		return http.StatusNotFound
	case plan.CodeNotPending, plan.CodeConflict, plan.CodeNotCancellable:
		return http.StatusConflict
	case plan.CodeMissingJustification:
		return http.StatusUnprocessableEntity
	case plan.CodeAnalysisUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	body := ErrorBody{Error: ErrorDetail{Code: string(plan.CodeInternal), Message: "internal error"}}

	var pe *plan.Error
	var he *echo.HTTPError
	switch {
	case errors.As(err, &pe):
		status = StatusFor(pe.Code)
		body.Error = ErrorDetail{Code: string(pe.Code), Message: pe.Error(), Violations: pe.Violations}
	case errors.As(err, &he):
		status = he.Code
		body.Error.Code = http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			body.Error.Message = msg
		} else {
			body.Error.Message = http.StatusText(he.Code)
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.String("route", c.Path()), zap.Error(err))
		if pe == nil {
			body.Error.Message = "internal error"
		}
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Warn(c.Request().Context(), "cannot write error response", zap.Error(err))
	}
}
