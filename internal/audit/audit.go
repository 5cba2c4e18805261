// Package audit provides an append-only JSONL record of every
// order-affecting decision: submissions, cancels, fills, safety refusals,
// phase transitions, and engine lifecycle events.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Order events
	EventOrderSubmitted EventType = "ORDER_SUBMITTED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderFilled    EventType = "ORDER_FILLED"
	EventOrderRejected  EventType = "ORDER_REJECTED"

	// Gate events
	EventSafetyRefusal EventType = "SAFETY_REFUSAL"

	// Strategy events
	EventPhaseTransition    EventType = "PHASE_TRANSITION"
	EventStrategyActivated  EventType = "STRATEGY_ACTIVATED"
	EventStrategyCancelled  EventType = "STRATEGY_CANCELLED"
	EventStrategyQuarantine EventType = "STRATEGY_QUARANTINED"
	EventOcoDesync          EventType = "OCO_DESYNC"

	// Engine lifecycle events
	EventEngineStarted  EventType = "ENGINE_STARTED"
	EventEngineStopped  EventType = "ENGINE_STOPPED"
	EventOrdersReconciled EventType = "ORDERS_RECONCILED"
	EventKillSwitch     EventType = "KILL_SWITCH"
)

// Event represents a single audit log entry.
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Source     string                 `json:"source,omitempty"`
	StrategyID string                 `json:"strategy_id,omitempty"`
	Symbol     string                 `json:"symbol,omitempty"`
	OrderID    string                 `json:"order_id,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Success    bool                   `json:"success"`
	ErrorMsg   string                 `json:"error,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
}

// Logger handles audit logging for trading actions. Writes are serialized
// and each event is one JSON line, so the file is greppable and every line
// parses independently.
type Logger struct {
	writer    *lumberjack.Logger
	mu        sync.Mutex
	sessionID string
	source    string
}

// Config holds audit logger configuration.
type Config struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		LogDir:     filepath.Join(home, ".config", "autotrader", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365, // Keep audit logs for 1 year
		Compress:   true,
	}
}

// NewLogger creates a new audit logger. Source labels the writer, e.g.
// "engine" or "backtest".
func NewLogger(cfg Config, source string) (*Logger, error) {
	// Restricted permissions: the audit trail records account activity.
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	return &Logger{
		writer:    writer,
		sessionID: uuid.NewString(),
		source:    source,
	}, nil
}

// Log logs an audit event.
func (al *Logger) Log(ctx context.Context, event Event) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = time.Now().UTC()
	event.SessionID = al.sessionID
	if event.Source == "" {
		event.Source = al.source
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return nil
}

// LogOrderSubmitted logs an order submission.
func (al *Logger) LogOrderSubmitted(ctx context.Context, strategyID, orderID, symbol, side, orderType string, qty int, price float64, success bool, errorMsg string) error {
	return al.Log(ctx, Event{
		EventType:  EventOrderSubmitted,
		StrategyID: strategyID,
		OrderID:    orderID,
		Symbol:     symbol,
		Action:     side,
		Success:    success,
		ErrorMsg:   errorMsg,
		Details: map[string]interface{}{
			"quantity":   qty,
			"price":      price,
			"order_type": orderType,
		},
	})
}

// LogOrderCancelled logs an order cancellation.
func (al *Logger) LogOrderCancelled(ctx context.Context, strategyID, orderID, symbol string, success bool, errorMsg string) error {
	return al.Log(ctx, Event{
		EventType:  EventOrderCancelled,
		StrategyID: strategyID,
		OrderID:    orderID,
		Symbol:     symbol,
		Success:    success,
		ErrorMsg:   errorMsg,
	})
}

// LogFill logs an observed order fill.
func (al *Logger) LogFill(ctx context.Context, strategyID, orderID, symbol, side string, qty int, price float64) error {
	return al.Log(ctx, Event{
		EventType:  EventOrderFilled,
		StrategyID: strategyID,
		OrderID:    orderID,
		Symbol:     symbol,
		Action:     side,
		Success:    true,
		Details: map[string]interface{}{
			"quantity": qty,
			"price":    price,
		},
	})
}

// LogSafetyRefusal logs a gate refusal with its machine code.
func (al *Logger) LogSafetyRefusal(ctx context.Context, strategyID, symbol, code, message string) error {
	return al.Log(ctx, Event{
		EventType:  EventSafetyRefusal,
		StrategyID: strategyID,
		Symbol:     symbol,
		Action:     code,
		Success:    false,
		ErrorMsg:   message,
	})
}

// LogPhase logs a strategy phase transition.
func (al *Logger) LogPhase(ctx context.Context, strategyID, symbol, from, to string) error {
	return al.Log(ctx, Event{
		EventType:  EventPhaseTransition,
		StrategyID: strategyID,
		Symbol:     symbol,
		Success:    true,
		Details: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// LogActivation logs a scheduled strategy becoming active.
func (al *Logger) LogActivation(ctx context.Context, strategyID, symbol string, scheduledAt time.Time) error {
	return al.Log(ctx, Event{
		EventType:  EventStrategyActivated,
		StrategyID: strategyID,
		Symbol:     symbol,
		Success:    true,
		Details: map[string]interface{}{
			"scheduled_at": scheduledAt.UTC().Format(time.RFC3339),
		},
	})
}

// LogQuarantine logs a strategy being excluded after an unrecoverable error.
func (al *Logger) LogQuarantine(ctx context.Context, strategyID, symbol, reason string) error {
	return al.Log(ctx, Event{
		EventType:  EventStrategyQuarantine,
		StrategyID: strategyID,
		Symbol:     symbol,
		Success:    false,
		ErrorMsg:   reason,
	})
}

// LogOcoDesync logs a failed bracket peer cancel.
func (al *Logger) LogOcoDesync(ctx context.Context, strategyID, symbol, filledID, peerID, errorMsg string) error {
	return al.Log(ctx, Event{
		EventType:  EventOcoDesync,
		StrategyID: strategyID,
		Symbol:     symbol,
		OrderID:    peerID,
		Success:    false,
		ErrorMsg:   errorMsg,
		Details: map[string]interface{}{
			"filled_order_id": filledID,
		},
	})
}

// LogEngine logs an engine lifecycle event.
func (al *Logger) LogEngine(ctx context.Context, eventType EventType, details map[string]interface{}) error {
	return al.Log(ctx, Event{
		EventType: eventType,
		Success:   true,
		Details:   details,
	})
}

// Close closes the audit logger.
func (al *Logger) Close() error {
	return al.writer.Close()
}
