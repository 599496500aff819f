package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RoleSpec is one roster entry. Order in the file is execution order within
// a cycle.
type RoleSpec struct {
	Name       string  `yaml:"name"`
	Variant    string  `yaml:"variant"`
	Instrument string  `yaml:"instrument"`
	Size       float64 `yaml:"size"`
	FastWindow int     `yaml:"fast_window"`
	SlowWindow int     `yaml:"slow_window"`
	Window     int     `yaml:"window"`
	Threshold  float64 `yaml:"threshold"`
	Deviation  float64 `yaml:"deviation"`
	MaxSize    float64 `yaml:"max_size"`
	StopLoss   float64 `yaml:"stop_loss"`
	TakeProfit float64 `yaml:"take_profit"`
}

type rosterFile struct {
	Roles []RoleSpec `yaml:"roles"`
}

// LoadRoster reads the role roster and builds the deciders in declared
// order.
func LoadRoster(path string) ([]Decider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}
	var file rosterFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	return BuildRoster(file.Roles)
}

// BuildRoster constructs deciders from specs, applying per-variant defaults.
func BuildRoster(specs []RoleSpec) ([]Decider, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("roster: no roles declared")
	}

	seen := make(map[string]bool, len(specs))
	deciders := make([]Decider, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("roster: role with empty name")
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("roster: duplicate role %q", spec.Name)
		}
		seen[spec.Name] = true

		d, err := buildDecider(spec)
		if err != nil {
			return nil, err
		}
		deciders = append(deciders, d)
	}
	return deciders, nil
}

func buildDecider(spec RoleSpec) (Decider, error) {
	switch spec.Variant {
	case "market_analysis":
		if spec.Instrument == "" || spec.Size <= 0 {
			return nil, fmt.Errorf("roster: role %q needs instrument and positive size", spec.Name)
		}
		return &MomentumAnalyst{
			Name:       spec.Name,
			Instrument: spec.Instrument,
			Size:       spec.Size,
			FastWindow: orDefaultInt(spec.FastWindow, 5),
			SlowWindow: orDefaultInt(spec.SlowWindow, 20),
			Threshold:  orDefault(spec.Threshold, 0.001),
		}, nil
	case "strategy_execution":
		if spec.Instrument == "" || spec.Size <= 0 {
			return nil, fmt.Errorf("roster: role %q needs instrument and positive size", spec.Name)
		}
		return &MeanReversionTrader{
			Name:       spec.Name,
			Instrument: spec.Instrument,
			Size:       spec.Size,
			Window:     orDefaultInt(spec.Window, 20),
			Deviation:  orDefault(spec.Deviation, 0.005),
		}, nil
	case "risk_oversight":
		if spec.MaxSize <= 0 {
			return nil, fmt.Errorf("roster: role %q needs positive max_size", spec.Name)
		}
		return &ExposureGuard{Name: spec.Name, MaxSize: spec.MaxSize}, nil
	case "portfolio_oversight":
		if spec.StopLoss >= 0 && spec.TakeProfit <= 0 {
			return nil, fmt.Errorf("roster: role %q needs a negative stop_loss or positive take_profit", spec.Name)
		}
		return &DrawdownCloser{Name: spec.Name, StopLoss: spec.StopLoss, TakeProfit: spec.TakeProfit}, nil
	default:
		return nil, fmt.Errorf("roster: role %q has unknown variant %q", spec.Name, spec.Variant)
	}
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
