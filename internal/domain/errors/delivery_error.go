// Package errors provides typed errors for the delivery pipeline.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"

	"jan-server/services/chat-sync/internal/domain/status"
)

// Kind groups delivery failures by who is at fault.
type Kind string

const (
	KindValidation  Kind = "validation"  // Input rejected locally, no remote call made
	KindTransport   Kind = "transport"   // Remote call failed or timed out
	KindApplication Kind = "application" // Remote call succeeded but reported failure
	KindPersistence Kind = "persistence" // Reply generated but could not be stored
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Error codes.
const (
	ErrCodeEmptyMessage     = "EMPTY_MESSAGE"
	ErrCodeInvalidChatID    = "INVALID_CHAT_ID"
	ErrCodeSendFailed       = "SEND_FAILED"
	ErrCodeGenerateFailed   = "GENERATE_FAILED"
	ErrCodeGenerateRejected = "GENERATE_REJECTED"
	ErrCodeNotSaved         = "GENERATED_NOT_SAVED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInFlight         = "ATTEMPT_IN_FLIGHT"
)

// DeliveryError describes why a delivery attempt ended unsuccessfully.
type DeliveryError struct {
	Kind    Kind
	Code    string
	Message string
	State   status.State
	Cause   error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Is matches on code so sentinel errors can be compared with errors.Is.
func (e *DeliveryError) Is(target error) bool {
	t, ok := target.(*DeliveryError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// UserMessage returns the text shown to the person chatting.
func (e *DeliveryError) UserMessage() string {
	return e.Message
}

// WithState records the pipeline state the error ended the attempt in.
func (e *DeliveryError) WithState(s status.State) *DeliveryError {
	e.State = s
	return e
}

// ErrAttemptInFlight is returned when a conversation already has an active attempt.
var ErrAttemptInFlight = &DeliveryError{
	Kind:    KindValidation,
	Code:    ErrCodeInFlight,
	Message: "a message is already being delivered for this conversation",
}

// ErrEmptyMessage is returned for blank submissions.
var ErrEmptyMessage = &DeliveryError{
	Kind:    KindValidation,
	Code:    ErrCodeEmptyMessage,
	Message: "message is empty",
}

// NewValidationError reports a malformed input.
func NewValidationError(code, message string) *DeliveryError {
	return &DeliveryError{Kind: KindValidation, Code: code, Message: message, State: status.StateValidationFailed}
}

// NewTransportError reports a failed remote call.
func NewTransportError(code, message string, cause error) *DeliveryError {
	return &DeliveryError{Kind: KindTransport, Code: code, Message: message, Cause: cause}
}

// NewApplicationError reports a remote call that answered with a failure.
func NewApplicationError(code, message string) *DeliveryError {
	return &DeliveryError{Kind: KindApplication, Code: code, Message: message}
}

// NewPersistenceError reports a reply that was generated but never saved.
func NewPersistenceError(message string, cause error) *DeliveryError {
	return &DeliveryError{
		Kind:    KindPersistence,
		Code:    ErrCodeNotSaved,
		Message: message,
		Cause:   cause,
		State:   status.StatePersistFailed,
	}
}

// NewTimeoutError reports a deadline elapsing at a suspension point.
func NewTimeoutError(step string, cause error) *DeliveryError {
	return &DeliveryError{
		Kind:    KindTransport,
		Code:    ErrCodeTimeout,
		Message: fmt.Sprintf("%s timed out", step),
		Cause:   cause,
		State:   status.StateTimedOut,
	}
}

// KindOf returns the kind of a delivery error, or empty when err is not one.
func KindOf(err error) Kind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsTimeout reports whether err is a delivery timeout.
func IsTimeout(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Code == ErrCodeTimeout
}

// IsGeneratedNotSaved reports whether a reply was produced but lost.
func IsGeneratedNotSaved(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Code == ErrCodeNotSaved
}

// Classifier maps raw collaborator errors onto delivery kinds.
type Classifier struct {
	rules []ClassificationRule
}

// ClassificationRule defines a rule for classifying errors.
type ClassificationRule struct {
	Match func(error) bool
	Kind  Kind
}

// NewClassifier creates a classifier with default rules.
func NewClassifier() *Classifier {
	c := &Classifier{}
	c.addDefaultRules()
	return c
}

func (c *Classifier) addDefaultRules() {
	c.rules = append(c.rules, ClassificationRule{
		Match: func(err error) bool { return errors.Is(err, context.DeadlineExceeded) },
		Kind:  KindTransport,
	})

	c.rules = append(c.rules, ClassificationRule{
		Match: func(err error) bool { return errors.Is(err, context.Canceled) },
		Kind:  KindTransport,
	})

	c.rules = append(c.rules, ClassificationRule{
		Match: func(err error) bool {
			var ne net.Error
			return errors.As(err, &ne)
		},
		Kind: KindTransport,
	})
}

// AddRule adds a classification rule.
func (c *Classifier) AddRule(rule ClassificationRule) {
	c.rules = append(c.rules, rule)
}

// Classify determines the kind of an error. Unknown errors are transport failures.
func (c *Classifier) Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}

	for _, rule := range c.rules {
		if rule.Match(err) {
			return rule.Kind
		}
	}

	return KindTransport
}

// IsDeadline reports whether err was caused by an elapsed context deadline.
func IsDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
