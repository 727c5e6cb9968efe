// Package status defines the lifecycle states of a delivery attempt.
package status

import "errors"

// State represents where a delivery attempt is in its pipeline.
type State string

const (
	// Non-terminal states
	StateIdle               State = "idle"
	StateValidating         State = "validating"
	StateSendingUserMessage State = "sending_user_message"
	StateAwaitingReply      State = "awaiting_reply"
	StatePersistingReply    State = "persisting_reply"

	// Terminal states (no further transitions allowed)
	StateSettled          State = "settled"
	StateValidationFailed State = "validation_failed"
	StateSendFailed       State = "send_failed"
	StateReplyFailed      State = "reply_failed"
	StatePersistFailed    State = "persist_failed"
	StateTimedOut         State = "timed_out"
)

// ErrInvalidTransition is returned when a state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// IsTerminal returns true if the attempt can no longer change state.
func (s State) IsTerminal() bool {
	switch s {
	case StateSettled, StateValidationFailed, StateSendFailed,
		StateReplyFailed, StatePersistFailed, StateTimedOut:
		return true
	}
	return false
}

// IsFailure returns true for the terminal states that did not settle.
func (s State) IsFailure() bool {
	return s.IsTerminal() && s != StateSettled
}

// IsActive returns true while an attempt owns the conversation.
func (s State) IsActive() bool {
	switch s {
	case StateValidating, StateSendingUserMessage, StateAwaitingReply, StatePersistingReply:
		return true
	}
	return false
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// ValidTransitions defines allowed state transitions.
var ValidTransitions = map[State][]State{
	StateIdle:               {StateValidating},
	StateValidating:         {StateSendingUserMessage, StateValidationFailed},
	StateSendingUserMessage: {StateAwaitingReply, StateSendFailed, StateTimedOut},
	StateAwaitingReply:      {StatePersistingReply, StateReplyFailed, StateTimedOut},
	StatePersistingReply:    {StateSettled, StatePersistFailed},
	// Terminal states have no valid transitions
	StateSettled:          {},
	StateValidationFailed: {},
	StateSendFailed:       {},
	StateReplyFailed:      {},
	StatePersistFailed:    {},
	StateTimedOut:         {},
}

// CanTransitionTo checks if a transition from the current state to target is valid.
func (s State) CanTransitionTo(target State) bool {
	validTargets, ok := ValidTransitions[s]
	if !ok {
		return false
	}
	for _, t := range validTargets {
		if t == target {
			return true
		}
	}
	return false
}

// TransitionTo attempts to transition to the target state and returns error if invalid.
func (s State) TransitionTo(target State) (State, error) {
	if !s.CanTransitionTo(target) {
		return s, ErrInvalidTransition
	}
	return target, nil
}

// Describe returns the human-readable summary recorded in the action log.
func (s State) Describe() string {
	switch s {
	case StateIdle:
		return "Ready"
	case StateValidating:
		return "Validating message"
	case StateSendingUserMessage:
		return "Sending message"
	case StateAwaitingReply:
		return "Message sent, waiting for bot response"
	case StatePersistingReply:
		return "Bot responded, saving response"
	case StateSettled:
		return "Bot response saved"
	case StateValidationFailed:
		return "Message rejected: invalid conversation id"
	case StateSendFailed:
		return "Failed to send message"
	case StateReplyFailed:
		return "Failed to get bot response"
	case StatePersistFailed:
		return "Bot response received but failed to save to database"
	case StateTimedOut:
		return "Request timed out"
	}
	return string(s)
}
