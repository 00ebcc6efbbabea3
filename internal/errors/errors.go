package errors

import (
	"fmt"
	"strings"
)

// ErrorCategory represents different types of errors that can occur
type ErrorCategory string

const (
	// Critical errors that should stop the engine
	ErrorCategoryFatal         ErrorCategory = "FATAL"
	ErrorCategoryCredentials   ErrorCategory = "CREDENTIALS"
	ErrorCategoryConfiguration ErrorCategory = "CONFIG"

	// Ledger inconsistencies disable new-trade admission until reconciled
	ErrorCategoryLedger ErrorCategory = "LEDGER"

	// Signal and sizing errors discard the affected signal only
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
	ErrorCategoryAdmission  ErrorCategory = "ADMISSION"
	ErrorCategorySizing     ErrorCategory = "SIZING"

	// Broker rejections, split by whether a retry next cycle can help
	ErrorCategoryBrokerTransient ErrorCategory = "BROKER_TRANSIENT"
	ErrorCategoryBrokerTerminal  ErrorCategory = "BROKER_TERMINAL"

	// Connectivity problems put the loop into read-only safe mode
	ErrorCategoryConnectivity ErrorCategory = "CONNECTIVITY"
	ErrorCategoryTimeout      ErrorCategory = "TIMEOUT"
	ErrorCategoryRateLimit    ErrorCategory = "RATE_LIMIT"

	ErrorCategoryNotification ErrorCategory = "NOTIFICATION"
)

// BotError represents a categorized error with context
type BotError struct {
	Category   ErrorCategory
	Component  string
	Operation  string
	Message    string
	Underlying error
	Context    map[string]interface{}
	Retryable  bool
}

// Error implements the error interface
func (e *BotError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %s in %s: %v", e.Category, e.Component, e.Operation, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s] %s in %s", e.Category, e.Component, e.Operation, e.Message)
}

// Unwrap returns the underlying error for error unwrapping
func (e *BotError) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error can be retried
func (e *BotError) IsRetryable() bool {
	return e.Retryable
}

// IsFatal returns whether this error should stop the engine
func (e *BotError) IsFatal() bool {
	return e.Category == ErrorCategoryFatal ||
		e.Category == ErrorCategoryCredentials ||
		e.Category == ErrorCategoryConfiguration
}

// DisablesAdmission returns whether this error must halt new-trade
// admission while open positions stay under broker-native protection.
func (e *BotError) DisablesAdmission() bool {
	return e.Category == ErrorCategoryLedger
}

// PausesLoop returns whether this error puts the control loop into
// read-only safe mode until connectivity recovers.
func (e *BotError) PausesLoop() bool {
	return e.Category == ErrorCategoryConnectivity
}

// NewBotError creates a new categorized error
func NewBotError(category ErrorCategory, component, operation, message string) *BotError {
	return &BotError{
		Category:  category,
		Component: component,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Retryable: isRetryableCategory(category),
	}
}

// WrapError wraps an existing error with engine error context
func WrapError(err error, category ErrorCategory, component, operation string) *BotError {
	if err == nil {
		return nil
	}

	return &BotError{
		Category:   category,
		Component:  component,
		Operation:  operation,
		Message:    "operation failed",
		Underlying: err,
		Context:    make(map[string]interface{}),
		Retryable:  isRetryableCategory(category),
	}
}

// WithContext adds context information to the error
func (e *BotError) WithContext(key string, value interface{}) *BotError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRetryable sets the retryable flag
func (e *BotError) WithRetryable(retryable bool) *BotError {
	e.Retryable = retryable
	return e
}

// WithMessage replaces the default message
func (e *BotError) WithMessage(message string) *BotError {
	e.Message = message
	return e
}

// isRetryableCategory determines if an error category is generally retryable
func isRetryableCategory(category ErrorCategory) bool {
	switch category {
	case ErrorCategoryBrokerTransient, ErrorCategoryConnectivity,
		ErrorCategoryTimeout, ErrorCategoryRateLimit:
		return true
	case ErrorCategoryFatal, ErrorCategoryCredentials, ErrorCategoryConfiguration,
		ErrorCategoryValidation, ErrorCategorySizing, ErrorCategoryBrokerTerminal,
		ErrorCategoryLedger:
		return false
	default:
		return false
	}
}

// CategorizeError attempts to categorize a generic error by its wording.
// Already-categorized errors pass through unchanged.
func CategorizeError(err error, component, operation string) *BotError {
	if err == nil {
		return nil
	}

	if botErr, ok := err.(*BotError); ok {
		return botErr
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "context deadline exceeded") {
		return WrapError(err, ErrorCategoryTimeout, component, operation)
	}

	if strings.Contains(errMsg, "connection") || strings.Contains(errMsg, "network") ||
		strings.Contains(errMsg, "dns") || strings.Contains(errMsg, "dial") ||
		strings.Contains(errMsg, "unreachable") {
		return WrapError(err, ErrorCategoryConnectivity, component, operation)
	}

	if strings.Contains(errMsg, "api key") || strings.Contains(errMsg, "token") ||
		strings.Contains(errMsg, "authentication") || strings.Contains(errMsg, "unauthorized") {
		return WrapError(err, ErrorCategoryCredentials, component, operation)
	}

	if strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "too many requests") {
		return WrapError(err, ErrorCategoryRateLimit, component, operation)
	}

	if strings.Contains(errMsg, "requote") || strings.Contains(errMsg, "off quotes") ||
		strings.Contains(errMsg, "price changed") || strings.Contains(errMsg, "invalid stops") {
		return WrapError(err, ErrorCategoryBrokerTransient, component, operation)
	}

	if strings.Contains(errMsg, "no money") || strings.Contains(errMsg, "insufficient") ||
		strings.Contains(errMsg, "market closed") || strings.Contains(errMsg, "invalid symbol") {
		return WrapError(err, ErrorCategoryBrokerTerminal, component, operation)
	}

	return WrapError(err, ErrorCategoryConnectivity, component, operation)
}

// Common error constructors

func NewValidationError(component, operation, message string) *BotError {
	return NewBotError(ErrorCategoryValidation, component, operation, message)
}

func NewSizingError(component, operation, message string) *BotError {
	return NewBotError(ErrorCategorySizing, component, operation, message)
}

func NewAdmissionError(component, operation, message string) *BotError {
	return NewBotError(ErrorCategoryAdmission, component, operation, message)
}

func NewLedgerError(component, operation, message string) *BotError {
	return NewBotError(ErrorCategoryLedger, component, operation, message)
}

func NewConnectivityError(component, operation string, err error) *BotError {
	return WrapError(err, ErrorCategoryConnectivity, component, operation)
}

func NewBrokerTransientError(component, operation string, err error) *BotError {
	return WrapError(err, ErrorCategoryBrokerTransient, component, operation)
}

func NewBrokerTerminalError(component, operation string, err error) *BotError {
	return WrapError(err, ErrorCategoryBrokerTerminal, component, operation)
}

func NewConfigurationError(component, operation, message string) *BotError {
	return NewBotError(ErrorCategoryConfiguration, component, operation, message)
}

func NewCredentialsError(component, operation, message string) *BotError {
	return NewBotError(ErrorCategoryCredentials, component, operation, message)
}

func NewFatalError(component, operation, message string) *BotError {
	return NewBotError(ErrorCategoryFatal, component, operation, message)
}
