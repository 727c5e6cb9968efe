package responses

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	derrors "jan-server/services/chat-sync/internal/domain/errors"
	"jan-server/services/chat-sync/internal/domain/platform"
	"jan-server/services/chat-sync/internal/domain/session"
)

// ErrSessionNotOpen is returned for chats without an open session.
var ErrSessionNotOpen = errors.New("session not open")

// HandleError maps err to a status code and writes the error envelope.
func HandleError(c *gin.Context, err error, message string) {
	status, code := classify(err)
	detail := &ErrorDetail{
		Message:   message,
		Type:      statusToErrorType(status),
		Code:      code,
		RequestID: c.GetString("request_id"),
	}

	var de *derrors.DeliveryError
	if errors.As(err, &de) {
		detail.Message = de.UserMessage()
	} else if status < http.StatusInternalServerError && err != nil {
		detail.Message = message + ": " + err.Error()
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(message)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: detail})
}

// HandleErrorWithStatus writes an error envelope with an explicit status.
func HandleErrorWithStatus(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: &ErrorDetail{
		Message:   message,
		Type:      statusToErrorType(status),
		RequestID: c.GetString("request_id"),
	}})
}

func classify(err error) (int, string) {
	var de *derrors.DeliveryError
	switch {
	case errors.Is(err, ErrSessionNotOpen), errors.Is(err, platform.ErrConversationNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, derrors.ErrAttemptInFlight):
		return http.StatusConflict, derrors.ErrCodeInFlight
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict, ""
	case errors.As(err, &de) && de.Kind == derrors.KindValidation:
		return http.StatusBadRequest, de.Code
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ""
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, ""
	case errors.As(err, &de):
		return http.StatusBadGateway, de.Code
	default:
		return http.StatusInternalServerError, ""
	}
}

func statusToErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusConflict:
		return "conflict_error"
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return "timeout_error"
	case http.StatusBadGateway:
		return "external_error"
	default:
		return "internal_error"
	}
}
