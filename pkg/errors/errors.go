// Package apperrors defines the closed error taxonomy for the trading core.
package apperrors

import (
	"errors"
	"fmt"
)

// Standardized error kinds. Components wrap these with %w so callers can
// classify with errors.Is regardless of where the failure originated.
var (
	ErrValidation        = errors.New("validation error")
	ErrRiskDenied        = errors.New("risk denied")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrTransport         = errors.New("transport error")
	ErrAuthentication    = errors.New("authentication failed")
	ErrNonceTooSmall     = errors.New("nonce too small")
	ErrTimeout           = errors.New("deadline exceeded")
	ErrShuttingDown      = errors.New("shutting down")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// RiskDeniedError carries the gate that denied an order intent.
type RiskDeniedError struct {
	Gate   string
	Reason string
}

func (e *RiskDeniedError) Error() string {
	return fmt.Sprintf("risk denied by gate %s: %s", e.Gate, e.Reason)
}

func (e *RiskDeniedError) Unwrap() error { return ErrRiskDenied }

// NewRiskDenied creates a RiskDeniedError for the given gate.
func NewRiskDenied(gate, reason string) error {
	return &RiskDeniedError{Gate: gate, Reason: reason}
}

// DeniedGate extracts the gate name from a risk denial, if any.
func DeniedGate(err error) (string, bool) {
	var rd *RiskDeniedError
	if errors.As(err, &rd) {
		return rd.Gate, true
	}
	return "", false
}

// ExchangeError is a structured error returned by the exchange.
type ExchangeError struct {
	Code    int
	Message string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// ValidationError reports a rejected order intent field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
