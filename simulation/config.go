package simulation

import (
	"fmt"
	"math"
)

// ratioTolerance absorbs the representation error of step ratios computed
// from decimal step sizes (0.1, 1e-3, ...).
const ratioTolerance = 1e-9

// Config fixes the shared time base of a run.
type Config struct {
	// StopTime ends the simulated interval. A final step that would
	// overshoot it is dropped.
	StopTime float64 `json:"stop_time" yaml:"stop_time"`

	// StepSize is the communication step shared by all systems.
	StepSize float64 `json:"step_size" yaml:"step_size"`

	// LoggingStepSize is the sampling cadence. Zero means StepSize;
	// otherwise it must be an exact multiple of StepSize.
	LoggingStepSize float64 `json:"logging_step_size,omitempty" yaml:"logging_step_size,omitempty"`
}

// WithDefaults returns the config with a zero LoggingStepSize replaced by
// StepSize.
func (c Config) WithDefaults() Config {
	if c.LoggingStepSize == 0 {
		c.LoggingStepSize = c.StepSize
	}
	return c
}

// Validate checks the time base. Violations return errors wrapping
// ErrInvalidConfig.
func (c Config) Validate() error {
	if c.StopTime <= 0 {
		return fmt.Errorf("%w: stop_time must be positive, got %g", ErrInvalidConfig, c.StopTime)
	}
	if c.StepSize <= 0 || c.StepSize > c.StopTime {
		return fmt.Errorf("%w: step_size must be in (0, stop_time], got %g", ErrInvalidConfig, c.StepSize)
	}
	if c.LoggingStepSize < 0 {
		return fmt.Errorf("%w: logging_step_size must not be negative, got %g", ErrInvalidConfig, c.LoggingStepSize)
	}
	if c.LoggingStepSize != 0 {
		ratio := c.LoggingStepSize / c.StepSize
		if math.Round(ratio) < 1 || math.Abs(ratio-math.Round(ratio)) > ratioTolerance {
			return fmt.Errorf("%w: logging_step_size %g is not a multiple of step_size %g",
				ErrInvalidConfig, c.LoggingStepSize, c.StepSize)
		}
	}
	return nil
}

// LoggingMultiple returns how many physical steps separate two logged rows.
func (c Config) LoggingMultiple() int {
	return int(math.Round(c.WithDefaults().LoggingStepSize / c.StepSize))
}

// Steps returns the number of physical steps in a run:
// floor(StopTime/StepSize), guarded against representation error so that
// 0.3/0.1 counts as 3.
func (c Config) Steps() int {
	return stepCount(c.StopTime, c.StepSize)
}

// Rows returns the number of logged rows a run produces, which equals
// floor(StopTime/LoggingStepSize)+1.
func (c Config) Rows() int {
	return c.Steps()/c.LoggingMultiple() + 1
}

func stepCount(span, step float64) int {
	ratio := span / step
	return int(math.Floor(ratio + ratioTolerance + ratio*1e-12))
}
