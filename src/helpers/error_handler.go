package helpers

import (
	"fmt"
	"time"

	"research-confluence/src/logger"
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type ConfluenceEngineError struct {
	Message string
	Cause   error
}

func (e *ConfluenceEngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ConfluenceEngineError) Unwrap() error {
	return e.Cause
}

// Distinct error types for type assertions.
// ExtractionError covers an unreachable oracle as well as a malformed reply;
// both are recorded as extraction_failed, never as "zero levels found".
type ConfigurationError struct{ ConfluenceEngineError }
type NetworkError struct{ ConfluenceEngineError }
type ExtractionError struct{ ConfluenceEngineError }
type DatabaseError struct{ ConfluenceEngineError }
type ValidationError struct{ ConfluenceEngineError }

// -----------------------------------------------------------------------------

// NewExtractionError wraps an oracle failure.
func NewExtractionError(msg string, cause error) *ExtractionError {
	return &ExtractionError{ConfluenceEngineError{Message: msg, Cause: cause}}
}

// NewDatabaseError wraps a storage failure.
func NewDatabaseError(msg string, cause error) *DatabaseError {
	return &DatabaseError{ConfluenceEngineError{Message: msg, Cause: cause}}
}

// NewValidationError wraps a payload that failed schema validation.
func NewValidationError(msg string, cause error) *ValidationError {
	return &ValidationError{ConfluenceEngineError{Message: msg, Cause: cause}}
}

// NewConfigurationError wraps a config that failed to load or validate.
func NewConfigurationError(msg string, cause error) *ConfigurationError {
	return &ConfigurationError{ConfluenceEngineError{Message: msg, Cause: cause}}
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff attempts to execute the operation up to maxAttempts times
// with exponential backoff. The orchestrator uses maxAttempts=2 to implement
// the retry-once oracle policy.
func RetryWithBackoff(operation string, maxAttempts int, baseDelay time.Duration, log *logger.Logger, fn func() (interface{}, error)) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}

		delay := baseDelay * (1 << attempt)
		log.Warning("Attempt %d/%d failed for %s: %v. Retrying in %v", attempt+1, maxAttempts, operation, err, delay)
		time.Sleep(delay)
	}

	return nil, lastErr
}
