package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-medseg/config"
)

func TestPolyLRScheduler(t *testing.T) {
	s := NewPolyLRScheduler(1000, 1.0)
	baseLR := 0.01

	tests := []struct {
		step     int
		expected float64
	}{
		{0, 0.01},
		{500, 0.005},
		{900, 0.001},
		{1000, 0.0},
		{2000, 0.0},
	}
	for _, tt := range tests {
		if got := s.GetLR(tt.step, baseLR); math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("step %d: expected LR %f, got %f", tt.step, tt.expected, got)
		}
	}
}

func TestStepLRScheduler(t *testing.T) {
	s := NewStepLRScheduler(100, 0.5)
	baseLR := 0.1

	tests := []struct {
		step     int
		expected float64
	}{
		{0, 0.1},
		{99, 0.1},
		{100, 0.05},
		{250, 0.025},
	}
	for _, tt := range tests {
		if got := s.GetLR(tt.step, baseLR); math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("step %d: expected LR %f, got %f", tt.step, tt.expected, got)
		}
	}
}

func TestSchedulerFromConfig(t *testing.T) {
	tests := []struct {
		name      string
		scheduler string
		wantName  string
		wantErr   bool
	}{
		{"poly", "poly", "PolyLR", false},
		{"default", "", "PolyLR", false},
		{"step", "step", "StepLR", false},
		{"constant", "constant", "ConstantLR", false},
		{"unknown", "cyclical", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := config.TrainingConfig{Scheduler: tt.scheduler, IterMax: 100, SchedulerPow: 0.9, StepSize: 10, StepGamma: 0.5}
			s, err := SchedulerFromConfig(tc)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error for unknown scheduler")
				}
				return
			}
			if err != nil {
				t.Fatalf("SchedulerFromConfig failed: %v", err)
			}
			if s.GetName() != tt.wantName {
				t.Errorf("expected %s, got %s", tt.wantName, s.GetName())
			}
		})
	}
}
