package dispatcherror

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a dispatch outcome. The scheduler and the outbox
// retry path branch on these codes, never on error strings.
type ErrorCode string

const (
	// ErrDuplicateEvent marks an idempotency conflict. Callers treat it as
	// success and return the original entity.
	ErrDuplicateEvent ErrorCode = "DUPLICATE_EVENT"

	// ErrValidation is non-retriable; the item or platform fails immediately.
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// ErrTransient covers network and 5xx-class failures; retried with
	// exponential backoff up to the entry's attempt budget.
	ErrTransient ErrorCode = "TRANSIENT_ERROR"

	// ErrRateLimit reschedules without consuming the retry budget, honoring
	// a retry-after hint when the platform provides one.
	ErrRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCircuitOpen reschedules without consuming the retry budget.
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// ErrExpiredEntry marks an entry whose TTL elapsed before dispatch.
	ErrExpiredEntry ErrorCode = "EXPIRED_ENTRY"
)

// DispatchError carries a taxonomy code plus optional platform detail.
type DispatchError struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Details    interface{}   `json:"details,omitempty"`
}

func (e DispatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code ErrorCode, message string, details interface{}) DispatchError {
	return DispatchError{Code: code, Message: message, Details: details}
}

// Duplicate signals an idempotency no-op pointing at the original entity.
func Duplicate(entityType, entityID string) DispatchError {
	return DispatchError{
		Code:    ErrDuplicateEvent,
		Message: fmt.Sprintf("duplicate event for %s %s", entityType, entityID),
		Details: map[string]string{"entity_type": entityType, "entity_id": entityID},
	}
}

func Validation(message string) DispatchError {
	return DispatchError{Code: ErrValidation, Message: message}
}

func Transient(message string) DispatchError {
	return DispatchError{Code: ErrTransient, Message: message}
}

// RateLimited carries the platform's retry-after hint; zero means the caller
// picks its own deferral.
func RateLimited(message string, retryAfter time.Duration) DispatchError {
	return DispatchError{Code: ErrRateLimit, Message: message, RetryAfter: retryAfter}
}

func CircuitOpen(service string) DispatchError {
	return DispatchError{
		Code:    ErrCircuitOpen,
		Message: fmt.Sprintf("circuit breaker open for service %s", service),
	}
}

func Expired(entryID string) DispatchError {
	return DispatchError{
		Code:    ErrExpiredEntry,
		Message: fmt.Sprintf("outbox entry %s expired before dispatch", entryID),
	}
}

// CodeOf extracts the taxonomy code from err, defaulting unclassified errors
// to transient so the retry path stays conservative.
func CodeOf(err error) ErrorCode {
	var de DispatchError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrTransient
}

func Is(err error, code ErrorCode) bool {
	var de DispatchError
	return errors.As(err, &de) && de.Code == code
}

// RetryAfterHint returns the retry-after carried by a rate limit error, or
// zero when absent.
func RetryAfterHint(err error) time.Duration {
	var de DispatchError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}
