package models

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Phase
		to   Phase
		want bool
	}{
		{"pending to entry_active", PhasePending, PhaseEntryActive, true},
		{"entry_active to position_open", PhaseEntryActive, PhasePositionOpen, true},
		{"position_open to exiting", PhasePositionOpen, PhaseExiting, true},
		{"exiting to completed", PhaseExiting, PhaseCompleted, true},
		{"pending skips to position_open", PhasePending, PhasePositionOpen, true},
		{"same phase is allowed", PhasePositionOpen, PhasePositionOpen, true},
		{"no moving backwards", PhasePositionOpen, PhaseEntryActive, false},
		{"no reopening from exiting", PhaseExiting, PhasePending, false},
		{"cancel from pending", PhasePending, PhaseCancelled, true},
		{"cancel from exiting", PhaseExiting, PhaseCancelled, true},
		{"completed is terminal", PhaseCompleted, PhaseCancelled, false},
		{"cancelled is terminal", PhaseCancelled, PhasePending, false},
		{"cancelled cannot complete", PhaseCancelled, PhaseCompleted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestSetPhaseRejectsBackwards(t *testing.T) {
	s := NewStrategy("AAPL", VariantBracket, 10)
	if err := s.SetPhase(PhasePositionOpen); err != nil {
		t.Fatalf("SetPhase(position_open): %v", err)
	}
	if err := s.SetPhase(PhasePending); err == nil {
		t.Fatal("expected error moving position_open -> pending")
	}
	if s.Phase != PhasePositionOpen {
		t.Errorf("phase changed on rejected transition: %s", s.Phase)
	}
}

func TestCanonicalVariant(t *testing.T) {
	tests := []struct {
		in   string
		want Variant
	}{
		{"trailing_stop", VariantTrailingStop},
		{"trailing-stop", VariantTrailingStop},
		{"Trailing-Stop", VariantTrailingStop},
		{"  SCALE-OUT  ", VariantScaleOut},
		{"pullback-trailing", VariantPullbackTrailing},
		{"bogus", Variant("bogus")},
	}
	for _, tt := range tests {
		if got := CanonicalVariant(tt.in); got != tt.want {
			t.Errorf("CanonicalVariant(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalize(t *testing.T) {
	s := Strategy{
		ID:      "abc",
		Symbol:  " msft ",
		Variant: "Trailing-Stop",
	}
	s.Canonicalize()
	if s.Symbol != "MSFT" {
		t.Errorf("symbol = %q, want MSFT", s.Symbol)
	}
	if s.Variant != VariantTrailingStop {
		t.Errorf("variant = %q, want trailing_stop", s.Variant)
	}
	if s.EntryType != EntryMarket {
		t.Errorf("empty entry type should default to market, got %q", s.EntryType)
	}
	if s.Phase != PhasePending {
		t.Errorf("empty phase should default to pending, got %q", s.Phase)
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestValidate(t *testing.T) {
	base := func(v Variant) Strategy {
		s := NewStrategy("AAPL", v, 10)
		switch v {
		case VariantTrailingStop:
			s.Params.TrailingStopPct = 0.05
		case VariantPullbackTrailing:
			s.Params.PullbackPct = 0.03
			s.Params.TrailingStopPct = 0.05
		case VariantBracket:
			s.Params.TakeProfitPct = 0.10
			s.Params.StopLossPct = 0.05
		case VariantScaleOut:
			s.Params.ScaleRungs = []ScaleRung{
				{TargetPct: 0.03, Fraction: 0.5},
				{TargetPct: 0.06, Fraction: 0.5},
			}
		case VariantGrid:
			s.Params.Grid = &GridParams{Reference: 100, SpacingPct: 0.01, Levels: 3, QtyPerLevel: 1}
		}
		return s
	}

	for _, v := range []Variant{VariantTrailingStop, VariantBracket, VariantScaleOut, VariantGrid, VariantPullbackTrailing} {
		s := base(v)
		if err := s.Validate(); err != nil {
			t.Errorf("valid %s strategy rejected: %v", v, err)
		}
	}

	tests := []struct {
		name   string
		mutate func(*Strategy)
		base   Variant
	}{
		{"missing symbol", func(s *Strategy) { s.Symbol = "" }, VariantTrailingStop},
		{"zero quantity", func(s *Strategy) { s.Quantity = 0 }, VariantTrailingStop},
		{"unknown variant", func(s *Strategy) { s.Variant = "martingale" }, VariantTrailingStop},
		{"limit entry without price", func(s *Strategy) { s.EntryType = EntryLimit }, VariantBracket},
		{"condition entry without condition", func(s *Strategy) { s.EntryType = EntryCondition }, VariantBracket},
		{"trailing pct missing", func(s *Strategy) { s.Params.TrailingStopPct = 0 }, VariantTrailingStop},
		{"bracket stop missing", func(s *Strategy) { s.Params.StopLossPct = 0 }, VariantBracket},
		{"pullback pct missing", func(s *Strategy) { s.Params.PullbackPct = 0 }, VariantPullbackTrailing},
		{"scale rungs empty", func(s *Strategy) { s.Params.ScaleRungs = nil }, VariantScaleOut},
		{"scale fractions under 1", func(s *Strategy) {
			s.Params.ScaleRungs = []ScaleRung{{TargetPct: 0.03, Fraction: 0.5}, {TargetPct: 0.06, Fraction: 0.3}}
		}, VariantScaleOut},
		{"scale targets not ascending", func(s *Strategy) {
			s.Params.ScaleRungs = []ScaleRung{{TargetPct: 0.06, Fraction: 0.5}, {TargetPct: 0.03, Fraction: 0.5}}
		}, VariantScaleOut},
		{"grid params missing", func(s *Strategy) { s.Params.Grid = nil }, VariantGrid},
		{"grid zero spacing", func(s *Strategy) { s.Params.Grid.SpacingPct = 0 }, VariantGrid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base(tt.base)
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidateLimitEntryWithPrice(t *testing.T) {
	s := NewStrategy("AAPL", VariantBracket, 10)
	s.Params.TakeProfitPct = 0.10
	s.Params.StopLossPct = 0.05
	s.EntryType = EntryLimit
	s.EntryPrice = floatPtr(99.50)
	if err := s.Validate(); err != nil {
		t.Errorf("limit entry with price rejected: %v", err)
	}
}

func TestSchedulePending(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	at := now.Add(time.Hour)

	s := NewStrategy("AAPL", VariantTrailingStop, 5)
	s.Params.TrailingStopPct = 0.05
	s.ScheduleAt = &at
	s.ScheduleEnabled = true

	if !s.SchedulePending(now) {
		t.Error("strategy scheduled in the future should be pending")
	}
	if s.SchedulePending(at.Add(time.Second)) {
		t.Error("strategy past its schedule time should not be pending")
	}
	if s.Active(now) {
		t.Error("schedule-pending strategy must not be active")
	}
}

func TestActive(t *testing.T) {
	now := time.Now().UTC()
	s := NewStrategy("AAPL", VariantTrailingStop, 5)
	s.Params.TrailingStopPct = 0.05

	if !s.Active(now) {
		t.Error("fresh enabled strategy should be active")
	}

	s.Runtime.Quarantined = true
	if s.Active(now) {
		t.Error("quarantined strategy must not be active")
	}
	s.Runtime.Quarantined = false

	s.Phase = PhaseCompleted
	if s.Active(now) {
		t.Error("completed strategy must not be active")
	}
	s.Phase = PhasePending

	s.Enabled = false
	if s.Active(now) {
		t.Error("disabled strategy must not be active")
	}
}

func TestStrategyYAMLRoundTrip(t *testing.T) {
	s := NewStrategy("NVDA", VariantScaleOut, 12)
	s.Params.ScaleRungs = []ScaleRung{
		{TargetPct: 0.03, Fraction: 0.5},
		{TargetPct: 0.06, Fraction: 0.3},
		{TargetPct: 0.10, Fraction: 0.2},
	}
	s.Runtime.EntryOrderID = "BRK_1"
	s.Runtime.EntryFillPrice = 101.25
	s.Runtime.Rungs = []RungState{
		{TargetPct: 0.03, Price: 104.29, Quantity: 6, OrderID: "BRK_2", Filled: true},
		{TargetPct: 0.06, Price: 107.33, Quantity: 3},
	}
	s.Runtime.Generation = 2

	data, err := yaml.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Strategy
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.ID != s.ID || got.Symbol != s.Symbol || got.Variant != s.Variant {
		t.Errorf("identity fields lost: %+v", got)
	}
	if len(got.Params.ScaleRungs) != 3 || got.Params.ScaleRungs[2].TargetPct != 0.10 {
		t.Errorf("scale rungs lost: %+v", got.Params.ScaleRungs)
	}
	if len(got.Runtime.Rungs) != 2 || !got.Runtime.Rungs[0].Filled {
		t.Errorf("runtime rungs lost: %+v", got.Runtime.Rungs)
	}
	if got.Runtime.Generation != 2 {
		t.Errorf("generation = %d, want 2", got.Runtime.Generation)
	}
	if got.Runtime.EntryFillPrice != 101.25 {
		t.Errorf("entry fill price = %v, want 101.25", got.Runtime.EntryFillPrice)
	}
}
