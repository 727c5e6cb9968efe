// Package responses contains HTTP response DTOs of the chat-sync API.
package responses

import (
	"jan-server/services/chat-sync/internal/domain/actionlog"
	"jan-server/services/chat-sync/internal/domain/delivery"
	derrors "jan-server/services/chat-sync/internal/domain/errors"
	"jan-server/services/chat-sync/internal/domain/status"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error *ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// SubmitResponse is returned when a message was accepted for delivery.
type SubmitResponse struct {
	AttemptID string       `json:"attempt_id"`
	State     status.State `json:"state"`
}

// AttemptResponse is a finished attempt.
type AttemptResponse struct {
	delivery.Attempt
	Error     string       `json:"error,omitempty"`
	ErrorKind derrors.Kind `json:"error_kind,omitempty"`
}

// NewAttemptResponse converts an attempt.
func NewAttemptResponse(a delivery.Attempt) AttemptResponse {
	resp := AttemptResponse{Attempt: a, Error: a.ErrorMessage()}
	if a.Err != nil {
		resp.ErrorKind = derrors.KindOf(a.Err)
	}
	return resp
}

// ActionsResponse lists the action log of a session, oldest first.
type ActionsResponse struct {
	ChatID  string            `json:"chat_id"`
	Actions []actionlog.Entry `json:"actions"`
	Count   int               `json:"count"`
}

// NewActionsResponse converts an action log listing.
func NewActionsResponse(chatID string, entries []actionlog.Entry) ActionsResponse {
	if entries == nil {
		entries = []actionlog.Entry{}
	}
	return ActionsResponse{ChatID: chatID, Actions: entries, Count: len(entries)}
}

// ClosedResponse acknowledges a closed session.
type ClosedResponse struct {
	ChatID string `json:"chat_id"`
	Closed bool   `json:"closed"`
}
