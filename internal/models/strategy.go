package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Variant identifies the strategy state machine to run.
type Variant string

const (
	VariantTrailingStop     Variant = "trailing_stop"
	VariantBracket          Variant = "bracket"
	VariantScaleOut         Variant = "scale_out"
	VariantGrid             Variant = "grid"
	VariantPullbackTrailing Variant = "pullback_trailing"
)

// CanonicalVariant maps hyphenated and mixed-case aliases onto the canonical
// snake_case names. Unknown names are returned unchanged so validation can
// report them.
func CanonicalVariant(s string) Variant {
	v := Variant(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	return v
}

// Known reports whether the variant is one the evaluator implements.
func (v Variant) Known() bool {
	switch v {
	case VariantTrailingStop, VariantBracket, VariantScaleOut, VariantGrid, VariantPullbackTrailing:
		return true
	}
	return false
}

// Phase is the lifecycle state of a strategy.
//
// Flow: pending -> entry_active -> position_open -> exiting -> completed.
// cancelled is reachable from any non-terminal phase and never left.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseEntryActive  Phase = "entry_active"
	PhasePositionOpen Phase = "position_open"
	PhaseExiting      Phase = "exiting"
	PhaseCompleted    Phase = "completed"
	PhaseCancelled    Phase = "cancelled"
)

// Terminal reports whether the phase ends the lifecycle.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

var phaseRank = map[Phase]int{
	PhasePending:      0,
	PhaseEntryActive:  1,
	PhasePositionOpen: 2,
	PhaseExiting:      3,
	PhaseCompleted:    4,
}

// CanTransition reports whether moving from one phase to another preserves
// the forward-only invariant. cancelled is allowed from any non-terminal
// phase.
func CanTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == PhaseCancelled {
		return true
	}
	fr, ok1 := phaseRank[from]
	tr, ok2 := phaseRank[to]
	return ok1 && ok2 && tr > fr
}

// EntryType selects how the position is acquired.
type EntryType string

const (
	EntryMarket    EntryType = "market"
	EntryLimit     EntryType = "limit"
	EntryCondition EntryType = "condition"
)

// CanonicalEntryType normalizes entry type aliases.
func CanonicalEntryType(s string) EntryType {
	if s == "" {
		return EntryMarket
	}
	return EntryType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
}

// ScaleRung is one scale-out target: sell Fraction of the position at
// TargetPct above the entry fill.
type ScaleRung struct {
	TargetPct float64 `yaml:"target_pct" json:"target_pct"`
	Fraction  float64 `yaml:"fraction" json:"fraction"`
}

// GridParams configures a symmetric grid around a reference price.
type GridParams struct {
	Reference   float64 `yaml:"reference" json:"reference"`
	SpacingPct  float64 `yaml:"spacing_pct" json:"spacing_pct"`
	Levels      int     `yaml:"levels" json:"levels"`
	QtyPerLevel int     `yaml:"qty_per_level" json:"qty_per_level"`
}

// VariantParams is the discriminated parameter record. Only the fields for
// the strategy's variant are meaningful.
type VariantParams struct {
	TrailingStopPct float64     `yaml:"trailing_stop_pct,omitempty" json:"trailing_stop_pct,omitempty"`
	PullbackPct     float64     `yaml:"pullback_pct,omitempty" json:"pullback_pct,omitempty"`
	TakeProfitPct   float64     `yaml:"take_profit_pct,omitempty" json:"take_profit_pct,omitempty"`
	StopLossPct     float64     `yaml:"stop_loss_pct,omitempty" json:"stop_loss_pct,omitempty"`
	ScaleRungs      []ScaleRung `yaml:"scale_rungs,omitempty" json:"scale_rungs,omitempty"`
	Grid            *GridParams `yaml:"grid,omitempty" json:"grid,omitempty"`
}

// RungState tracks one scale-out rung at runtime.
type RungState struct {
	TargetPct float64 `yaml:"target_pct" json:"target_pct"`
	Price     float64 `yaml:"price" json:"price"`
	Quantity  int     `yaml:"quantity" json:"quantity"`
	OrderID   string  `yaml:"order_id,omitempty" json:"order_id,omitempty"`
	Filled    bool    `yaml:"filled,omitempty" json:"filled,omitempty"`
}

// GridLevel tracks one grid order at runtime.
type GridLevel struct {
	Price    float64   `yaml:"price" json:"price"`
	Side     OrderSide `yaml:"side" json:"side"`
	Quantity int       `yaml:"quantity" json:"quantity"`
	OrderID  string    `yaml:"order_id,omitempty" json:"order_id,omitempty"`
	Filled   bool      `yaml:"filled,omitempty" json:"filled,omitempty"`
}

// RuntimeState is the variant-specific mutable state of a strategy.
type RuntimeState struct {
	EntryOrderID   string  `yaml:"entry_order_id,omitempty" json:"entry_order_id,omitempty"`
	EntryFillPrice float64 `yaml:"entry_fill_price,omitempty" json:"entry_fill_price,omitempty"`

	// HighWatermark is the running max of observed prices since entry.
	HighWatermark float64 `yaml:"high_watermark,omitempty" json:"high_watermark,omitempty"`

	// PullbackReference is the pre-entry high for pullback_trailing.
	PullbackReference float64 `yaml:"pullback_reference,omitempty" json:"pullback_reference,omitempty"`

	TPOrderID string `yaml:"tp_order_id,omitempty" json:"tp_order_id,omitempty"`
	SLOrderID string `yaml:"sl_order_id,omitempty" json:"sl_order_id,omitempty"`

	ExitOrderIDs []string    `yaml:"exit_order_ids,omitempty" json:"exit_order_ids,omitempty"`
	Rungs        []RungState `yaml:"rungs,omitempty" json:"rungs,omitempty"`
	GridLevels   []GridLevel `yaml:"grid_levels,omitempty" json:"grid_levels,omitempty"`

	// OCODesync is set when a bracket peer cancel ultimately failed and the
	// strategy needs operator attention.
	OCODesync bool `yaml:"oco_desync,omitempty" json:"oco_desync,omitempty"`

	// Quarantined strategies are excluded from evaluation after an
	// unrecoverable per-strategy error.
	Quarantined bool   `yaml:"quarantined,omitempty" json:"quarantined,omitempty"`
	LastError   string `yaml:"last_error,omitempty" json:"last_error,omitempty"`

	// Generation increments each time the strategy re-arms after
	// completing, keeping client order ids unique across round trips.
	Generation int `yaml:"generation,omitempty" json:"generation,omitempty"`
}

// Strategy is the central aggregate: a multi-phase trade managed from entry
// through exit.
type Strategy struct {
	ID       string  `yaml:"id" json:"id"`
	Symbol   string  `yaml:"symbol" json:"symbol"`
	Variant  Variant `yaml:"variant" json:"variant"`
	Quantity int     `yaml:"quantity" json:"quantity"`

	Phase   Phase `yaml:"phase" json:"phase"`
	Enabled bool  `yaml:"enabled" json:"enabled"`

	EntryType      EntryType `yaml:"entry_type,omitempty" json:"entry_type,omitempty"`
	EntryPrice     *float64  `yaml:"entry_price,omitempty" json:"entry_price,omitempty"`
	EntryCondition string    `yaml:"entry_condition,omitempty" json:"entry_condition,omitempty"`

	Params  VariantParams `yaml:"params" json:"params"`
	Runtime RuntimeState  `yaml:"runtime_state" json:"runtime_state"`

	// While ScheduleEnabled and ScheduleAt is in the future the strategy is
	// held out of evaluation and Enabled stays false.
	ScheduleAt      *time.Time `yaml:"schedule_at,omitempty" json:"schedule_at,omitempty"`
	ScheduleEnabled bool       `yaml:"schedule_enabled,omitempty" json:"schedule_enabled,omitempty"`

	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
	Notes     string    `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// NewStrategy builds a strategy with defaults applied.
func NewStrategy(symbol string, variant Variant, quantity int) Strategy {
	now := time.Now().UTC()
	return Strategy{
		ID:        uuid.NewString()[:8],
		Symbol:    strings.ToUpper(symbol),
		Variant:   variant,
		Quantity:  quantity,
		Phase:     PhasePending,
		Enabled:   true,
		EntryType: EntryMarket,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SchedulePending reports whether the strategy is waiting for its scheduled
// activation instant.
func (s *Strategy) SchedulePending(now time.Time) bool {
	return s.ScheduleEnabled && s.ScheduleAt != nil && s.ScheduleAt.After(now)
}

// Active reports whether the strategy should be evaluated this cycle.
func (s *Strategy) Active(now time.Time) bool {
	return s.Enabled && !s.Phase.Terminal() && !s.Runtime.Quarantined && !s.SchedulePending(now)
}

// SetPhase advances the phase, enforcing forward-only transitions.
func (s *Strategy) SetPhase(p Phase) error {
	if !CanTransition(s.Phase, p) {
		return fmt.Errorf("invalid phase transition %s -> %s", s.Phase, p)
	}
	s.Phase = p
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Validate checks the record against its variant's requirements.
func (s *Strategy) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("strategy %s: symbol is required", s.ID)
	}
	if s.Quantity <= 0 && s.Variant != VariantGrid {
		return fmt.Errorf("strategy %s: quantity must be positive", s.ID)
	}
	if !s.Variant.Known() {
		return fmt.Errorf("strategy %s: unknown variant %q", s.ID, s.Variant)
	}
	if s.EntryType == EntryLimit && s.EntryPrice == nil {
		return fmt.Errorf("strategy %s: limit entry requires entry_price", s.ID)
	}
	if s.EntryType == EntryCondition && s.EntryCondition == "" {
		return fmt.Errorf("strategy %s: conditional entry requires entry_condition", s.ID)
	}

	switch s.Variant {
	case VariantTrailingStop:
		if s.Params.TrailingStopPct <= 0 {
			return fmt.Errorf("strategy %s: trailing_stop requires trailing_stop_pct > 0", s.ID)
		}
	case VariantPullbackTrailing:
		if s.Params.PullbackPct <= 0 || s.Params.TrailingStopPct <= 0 {
			return fmt.Errorf("strategy %s: pullback_trailing requires pullback_pct and trailing_stop_pct > 0", s.ID)
		}
	case VariantBracket:
		if s.Params.TakeProfitPct <= 0 || s.Params.StopLossPct <= 0 {
			return fmt.Errorf("strategy %s: bracket requires take_profit_pct and stop_loss_pct > 0", s.ID)
		}
	case VariantScaleOut:
		if len(s.Params.ScaleRungs) == 0 {
			return fmt.Errorf("strategy %s: scale_out requires scale_rungs", s.ID)
		}
		var frac float64
		prev := 0.0
		for i, r := range s.Params.ScaleRungs {
			if r.TargetPct <= prev {
				return fmt.Errorf("strategy %s: scale rung %d target %.2f%% not strictly ascending", s.ID, i, r.TargetPct)
			}
			prev = r.TargetPct
			frac += r.Fraction
		}
		if frac < 0.999 || frac > 1.001 {
			return fmt.Errorf("strategy %s: scale rung fractions sum to %.4f, want 1", s.ID, frac)
		}
	case VariantGrid:
		g := s.Params.Grid
		if g == nil {
			return fmt.Errorf("strategy %s: grid requires grid params", s.ID)
		}
		if g.Reference <= 0 || g.SpacingPct <= 0 || g.Levels <= 0 || g.QtyPerLevel <= 0 {
			return fmt.Errorf("strategy %s: grid params must all be positive", s.ID)
		}
	}
	return nil
}

// Canonicalize normalizes aliases and casing in place. Called once at the
// store boundary on read; the interior only ever sees canonical names.
func (s *Strategy) Canonicalize() {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Variant = CanonicalVariant(string(s.Variant))
	s.EntryType = CanonicalEntryType(string(s.EntryType))
	if s.Phase == "" {
		s.Phase = PhasePending
	}
	s.Phase = Phase(strings.ReplaceAll(strings.ToLower(string(s.Phase)), "-", "_"))
}

func (s *Strategy) String() string {
	state := "off"
	if s.Enabled {
		state = "on"
	}
	return fmt.Sprintf("[%s] %s %s x%d (%s, %s)", s.ID, s.Variant, s.Symbol, s.Quantity, s.Phase, state)
}
