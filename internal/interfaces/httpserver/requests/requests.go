// Package requests contains HTTP request DTOs of the chat-sync API.
package requests

// OpenSessionRequest opens a chat, optionally closing the previously
// viewed one.
type OpenSessionRequest struct {
	PreviousChatID string `json:"previous_chat_id,omitempty"`
}

// SubmitMessageRequest submits a user message.
type SubmitMessageRequest struct {
	Text string `json:"text"`
}
