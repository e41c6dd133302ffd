// Package mconfig loads the core's static configuration: step/accel-tick
// frequencies, per-axis pin assignments and steps-per-mm, and rate floors.
// Grounded on the teacher's standalone/config/config.go (encoding/json
// unmarshal + an applyDefaults pass), adapted from its printer-wide
// MachineConfig shape to the three-axis motion-core config this spec calls
// for, and extended with a multierr-aggregated Validate step in the style
// of other_examples' stepper_motor_tmc.go.
package mconfig

import (
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"

	"github.com/PetteriAimonen/Jerkware/motor"
)

// AxisConfig configures a single stepper axis.
type AxisConfig struct {
	StepPin   string  `json:"step_pin"`
	DirPin    string  `json:"dir_pin"`
	EnablePin string  `json:"enable_pin"`

	StepsPerMM  float64 `json:"steps_per_mm"`
	MaxRate     uint32  `json:"max_rate"`
	MinimumRate uint32  `json:"minimum_rate"`
}

// Config is the complete configuration the motion core is constructed
// from.
type Config struct {
	StepFrequencyHz  uint32 `json:"step_frequency_hz"`
	AccelDivisor     uint32 `json:"accel_divisor"`

	Axes map[string]AxisConfig `json:"axes"`

	LogFile string `json:"log_file"`
}

// Load parses jsonData into a Config and fills in unset fields with
// defaults, mirroring standalone/config.LoadConfig's
// unmarshal-then-applyDefaults shape.
func Load(jsonData []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("mconfig: parse: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.StepFrequencyHz == 0 {
		c.StepFrequencyHz = 100000
	}
	if c.AccelDivisor == 0 {
		c.AccelDivisor = 100
	}
	for name, axis := range c.Axes {
		if axis.StepsPerMM == 0 {
			axis.StepsPerMM = 80.0
		}
		if axis.MaxRate == 0 {
			axis.MaxRate = c.StepFrequencyHz - 1
		}
		if axis.MinimumRate == 0 {
			axis.MinimumRate = motor.DefaultMinimumRate
		}
		c.Axes[name] = axis
	}
}

// Validate aggregates every structural problem found rather than stopping
// at the first, so a bad config file reports everything wrong with it in
// one pass.
func (c *Config) Validate() error {
	var err error
	if c.AccelDivisor == 0 {
		err = multierr.Append(err, fmt.Errorf("mconfig: accel_divisor must be nonzero"))
	}
	if c.StepFrequencyHz == 0 {
		err = multierr.Append(err, fmt.Errorf("mconfig: step_frequency_hz must be nonzero"))
	}
	for name, axis := range c.Axes {
		if axis.StepPin == "" {
			err = multierr.Append(err, fmt.Errorf("mconfig: axis %q missing step_pin", name))
		}
		if axis.DirPin == "" {
			err = multierr.Append(err, fmt.Errorf("mconfig: axis %q missing dir_pin", name))
		}
		if axis.StepsPerMM <= 0 {
			err = multierr.Append(err, fmt.Errorf("mconfig: axis %q steps_per_mm must be positive", name))
		}
		if axis.MaxRate >= c.StepFrequencyHz {
			err = multierr.Append(err, fmt.Errorf("mconfig: axis %q max_rate %d must be below step_frequency_hz %d", name, axis.MaxRate, c.StepFrequencyHz))
		}
	}
	return err
}

// DefaultCartesianConfig returns a three-axis config with plausible
// desktop-3D-printer-scale defaults, mirroring
// standalone/config.DefaultCartesianConfig's role as a fallback for
// cmd/motionsim when no config file is given.
func DefaultCartesianConfig() *Config {
	return &Config{
		StepFrequencyHz: 100000,
		AccelDivisor:    100,
		Axes: map[string]AxisConfig{
			"alpha": {StepPin: "gpio0", DirPin: "gpio1", EnablePin: "gpio8", StepsPerMM: 80, MaxRate: 99999, MinimumRate: motor.DefaultMinimumRate},
			"beta":  {StepPin: "gpio2", DirPin: "gpio3", EnablePin: "gpio8", StepsPerMM: 80, MaxRate: 99999, MinimumRate: motor.DefaultMinimumRate},
			"gamma": {StepPin: "gpio4", DirPin: "gpio5", EnablePin: "gpio8", StepsPerMM: 400, MaxRate: 99999, MinimumRate: motor.DefaultMinimumRate},
		},
	}
}
