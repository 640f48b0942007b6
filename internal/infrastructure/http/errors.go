package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
)

type errorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

type errorResponse struct {
	Error     errorDetail  `json:"error"`
	RequestID string       `json:"request_id,omitempty"`
	Exchange  *exchangeDTO `json:"exchange,omitempty"`
}

// statusFor maps an error to its HTTP status by kind, with a few codes
// carrying their own status.
func statusFor(err error) int {
	if errors.Is(err, apperrors.ErrUnsupportedMediaType) {
		return http.StatusUnsupportedMediaType
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindPipeline:
		return http.StatusUnprocessableEntity
	case apperrors.KindGeneration:
		return http.StatusBadGateway
	case apperrors.KindInfrastructure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func newErrorResponse(c *gin.Context, err error) errorResponse {
	detail := errorDetail{
		Kind:    string(apperrors.KindOf(err)),
		Code:    apperrors.CodeOf(err),
		Message: err.Error(),
		Stage:   string(apperrors.StageOf(err)),
	}
	if detail.Kind == "" {
		detail.Kind = "internal"
		detail.Code = "internal"
		detail.Message = "internal error"
	}
	// pipeline errors carry the code of their cause when it has one
	var ae *apperrors.Error
	if errors.As(err, &ae) && ae.Err != nil {
		if code := apperrors.CodeOf(ae.Err); code != "" && ae.Stage != "" {
			detail.Code = code
		}
	}
	return errorResponse{Error: detail, RequestID: c.GetString(requestIDKey)}
}

// abortWithError writes the JSON error for err.
func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), newErrorResponse(c, err))
}

func abortTooLarge(c *gin.Context, format string, args ...any) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorResponse{
		Error: errorDetail{
			Kind:    string(apperrors.KindValidation),
			Code:    "too_large",
			Message: fmt.Sprintf(format, args...),
		},
		RequestID: c.GetString(requestIDKey),
	})
}
