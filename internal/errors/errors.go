// Package errors provides custom error types for domain-specific errors.
// Every structured type carries a stable machine code so callers and the
// audit log can branch on error identity without parsing messages.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrMarketClosed      = errors.New("market is closed")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderRejected     = errors.New("order rejected")
	ErrPositionNotFound  = errors.New("position not found")
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrStrategyNotFound  = errors.New("strategy not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrTimeout           = errors.New("operation timed out")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDataNotFound      = errors.New("data not found")
	ErrDatabaseError     = errors.New("database error")
	ErrLockHeld          = errors.New("another instance holds the engine lock")
	ErrEngineDryRun      = errors.New("operation blocked: dry-run mode enabled")
	ErrTerminalPhase     = errors.New("strategy is in a terminal phase")
	ErrInputValidation   = errors.New("input validation failed")
)

// Safety refusal codes. Checks run in this order and the first failure wins.
const (
	SafetyKillSwitch        = "kill_switch_engaged"
	SafetyProductionBlocked = "production_not_allowed"
	SafetyDuplicateOrder    = "duplicate_order"
	SafetyPDTBlocked        = "pattern_day_trade_blocked"
	SafetyPositionSize      = "position_size_exceeded"
	SafetyPositionNotional  = "position_notional_exceeded"
	SafetyDailyLoss         = "daily_loss_limit"
	SafetyDailyTrades       = "daily_trade_limit"
	SafetyBuyingPower       = "insufficient_buying_power"
)

// SafetyError is a refusal from the pre-trade gate. Code is one of the
// Safety* constants above.
type SafetyError struct {
	Code    string
	Symbol  string
	Current float64
	Limit   float64
	Message string
}

func (e *SafetyError) Error() string {
	if e.Limit != 0 || e.Current != 0 {
		return fmt.Sprintf("safety refusal [%s] %s: %s (current: %.2f, limit: %.2f)", e.Code, e.Symbol, e.Message, e.Current, e.Limit)
	}
	return fmt.Sprintf("safety refusal [%s] %s: %s", e.Code, e.Symbol, e.Message)
}

// NewSafetyError creates a new SafetyError.
func NewSafetyError(code, symbol, message string, current, limit float64) *SafetyError {
	return &SafetyError{
		Code:    code,
		Symbol:  symbol,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// IsSafetyRefusal reports whether err is a gate refusal, returning the code.
func IsSafetyRefusal(err error) (string, bool) {
	var se *SafetyError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return "", false
}

// BrokerError represents an error from the broker API. Transient errors are
// safe to retry; permanent ones are not.
type BrokerError struct {
	Code      string
	Message   string
	Transient bool
	Err       error
}

func (e *BrokerError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s/%s]: %s: %v", e.Code, kind, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s/%s]: %s", e.Code, kind, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a permanent BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{Code: code, Message: message, Err: err}
}

// NewTransientBrokerError creates a retryable BrokerError.
func NewTransientBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{Code: code, Message: message, Transient: true, Err: err}
}

// IsTransient reports whether err is a retryable broker failure.
func IsTransient(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Transient
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout)
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// OcoDesyncError marks a bracket whose peer cancel ultimately failed: both
// legs may be live at the broker and the strategy must not proceed.
type OcoDesyncError struct {
	StrategyID    string
	FilledOrderID string
	PeerOrderID   string
	Err           error
}

func (e *OcoDesyncError) Error() string {
	return fmt.Sprintf("oco desync [%s]: filled %s but peer %s cancel failed: %v", e.StrategyID, e.FilledOrderID, e.PeerOrderID, e.Err)
}

func (e *OcoDesyncError) Unwrap() error {
	return e.Err
}

// NewOcoDesyncError creates a new OcoDesyncError.
func NewOcoDesyncError(strategyID, filledID, peerID string, err error) *OcoDesyncError {
	return &OcoDesyncError{
		StrategyID:    strategyID,
		FilledOrderID: filledID,
		PeerOrderID:   peerID,
		Err:           err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DataError represents a data-related error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
