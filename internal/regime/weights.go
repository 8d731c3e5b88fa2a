package regime

import (
	"fmt"
	"strings"

	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// Preset is the closed set of named threshold/weight configurations
type Preset int

const (
	Aggressive Preset = iota
	Balanced
	Defensive
)

// Presets lists every preset in a stable order
var Presets = []Preset{Aggressive, Balanced, Defensive}

// String returns the preset name
func (p Preset) String() string {
	switch p {
	case Aggressive:
		return "AGGRESSIVE"
	case Balanced:
		return "BALANCED"
	case Defensive:
		return "DEFENSIVE"
	default:
		return fmt.Sprintf("Preset(%d)", int(p))
	}
}

// ParsePreset converts a name into a Preset, case-insensitively
func ParsePreset(name string) (Preset, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "AGGRESSIVE":
		return Aggressive, nil
	case "BALANCED", "":
		return Balanced, nil
	case "DEFENSIVE":
		return Defensive, nil
	}
	return Balanced, fmt.Errorf("unknown preset %q", name)
}

// MarshalText encodes the preset by name
func (p Preset) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a preset name
func (p *Preset) UnmarshalText(text []byte) error {
	parsed, err := ParsePreset(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PresetConfig holds the thresholds and factor weights of one preset
type PresetConfig struct {
	Preset      Preset               `yaml:"preset" json:"preset"`
	Description string               `yaml:"description" json:"description"`
	Thresholds  composite.Thresholds `yaml:"thresholds" json:"thresholds"`
	Weights     composite.Weights    `yaml:"weights" json:"weights"`
}

// Validate checks weight sum and threshold ordering
func (pc PresetConfig) Validate() error {
	if err := pc.Weights.Validate(); err != nil {
		return fmt.Errorf("preset %s: %w", pc.Preset, err)
	}
	if err := pc.Thresholds.Validate(); err != nil {
		return fmt.Errorf("preset %s: %w", pc.Preset, err)
	}
	return nil
}

// Book maps each preset to its configuration
type Book map[Preset]PresetConfig

// DefaultBook returns the standard preset table
func DefaultBook() Book {
	return Book{
		// Aggressive: trend-led, lower entry bar
		Aggressive: {
			Preset:      Aggressive,
			Description: "Strong market regime, technical momentum dominates",
			Thresholds:  composite.Thresholds{Buy: 65, Sell: 35},
			Weights:     composite.Weights{Technical: 0.50, Fundamental: 0.15, News: 0.15, Regime: 0.20},
		},
		Balanced: {
			Preset:      Balanced,
			Description: "Neutral market regime, mixed factor allocation",
			Thresholds:  composite.Thresholds{Buy: 72, Sell: 40},
			Weights:     composite.Weights{Technical: 0.40, Fundamental: 0.25, News: 0.15, Regime: 0.20},
		},
		// Defensive: quality and regime emphasis, higher entry bar
		Defensive: {
			Preset:      Defensive,
			Description: "Weak market regime, fundamentals and regime emphasized",
			Thresholds:  composite.Thresholds{Buy: 78, Sell: 45},
			Weights:     composite.Weights{Technical: 0.30, Fundamental: 0.35, News: 0.10, Regime: 0.25},
		},
	}
}

// Validate checks every preset and that all presets are present
func (b Book) Validate() error {
	for _, p := range Presets {
		pc, ok := b[p]
		if !ok {
			return fmt.Errorf("preset %s missing from book", p)
		}
		if pc.Preset != p {
			return fmt.Errorf("preset %s stored under key %s", pc.Preset, p)
		}
		if err := pc.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the configuration of a preset
func (b Book) Get(p Preset) (PresetConfig, error) {
	pc, ok := b[p]
	if !ok {
		return PresetConfig{}, fmt.Errorf("preset %s not found", p)
	}
	return pc, nil
}
