package simulation

import (
	"errors"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{StopTime: 1, StepSize: 0.1, LoggingStepSize: 0.1}, false},
		{"logging defaults to step", Config{StopTime: 1, StepSize: 0.1}, false},
		{"coarser logging", Config{StopTime: 1, StepSize: 0.1, LoggingStepSize: 0.5}, false},
		{"drifting decimal multiple", Config{StopTime: 1, StepSize: 0.1, LoggingStepSize: 0.3}, false},
		{"logging beyond stop time", Config{StopTime: 1, StepSize: 0.1, LoggingStepSize: 2}, false},
		{"zero stop time", Config{StepSize: 0.1}, true},
		{"negative stop time", Config{StopTime: -1, StepSize: 0.1}, true},
		{"zero step size", Config{StopTime: 1}, true},
		{"step exceeds stop", Config{StopTime: 1, StepSize: 2}, true},
		{"negative logging step", Config{StopTime: 1, StepSize: 0.1, LoggingStepSize: -0.1}, true},
		{"non-multiple logging step", Config{StopTime: 1, StepSize: 0.1, LoggingStepSize: 0.25}, true},
		{"logging finer than step", Config{StopTime: 1, StepSize: 0.1, LoggingStepSize: 0.05}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfigRows(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"log every step", Config{StopTime: 1, StepSize: 0.1, LoggingStepSize: 0.1}, 11},
		{"log every second step", Config{StopTime: 1, StepSize: 0.1, LoggingStepSize: 0.2}, 6},
		{"accumulated drift", Config{StopTime: 0.3, StepSize: 0.1}, 4},
		{"fine step coarse log", Config{StopTime: 2, StepSize: 1e-3, LoggingStepSize: 1e-2}, 201},
		{"single interval", Config{StopTime: 1, StepSize: 0.1, LoggingStepSize: 1}, 2},
		{"stop not a step multiple", Config{StopTime: 0.95, StepSize: 0.1}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Rows(); got != tt.want {
				t.Errorf("Rows() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConfigLoggingMultiple(t *testing.T) {
	tests := []struct {
		cfg  Config
		want int
	}{
		{Config{StopTime: 1, StepSize: 0.1}, 1},
		{Config{StopTime: 1, StepSize: 0.1, LoggingStepSize: 0.2}, 2},
		{Config{StopTime: 2, StepSize: 1e-3, LoggingStepSize: 1e-2}, 10},
		{Config{StopTime: 10, StepSize: 0.5, LoggingStepSize: 5}, 10},
	}
	for _, tt := range tests {
		if got := tt.cfg.LoggingMultiple(); got != tt.want {
			t.Errorf("LoggingMultiple(%+v) = %d, want %d", tt.cfg, got, tt.want)
		}
	}
}

func TestConfigSteps(t *testing.T) {
	// 1.0/0.1 is 9.999... in floating point; the guard must still count 10.
	cfg := Config{StopTime: 1, StepSize: 0.1}
	if got := cfg.Steps(); got != 10 {
		t.Errorf("Steps() = %d, want 10", got)
	}
	cfg = Config{StopTime: 0.95, StepSize: 0.1}
	if got := cfg.Steps(); got != 9 {
		t.Errorf("Steps() = %d, want 9", got)
	}
}
