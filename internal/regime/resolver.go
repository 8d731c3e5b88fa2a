package regime

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/factors"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// Source tells which resolution step produced the active preset
type Source string

const (
	SourceOverride Source = "override"
	SourceAuto     Source = "auto"
	SourceNamed    Source = "named"
)

// Rule maps regime scores at or above Min to a preset
type Rule struct {
	Name   string  `yaml:"name" json:"name"`
	Min    float64 `yaml:"min" json:"min"`
	Preset Preset  `yaml:"preset" json:"preset"`
}

// RuleTable is evaluated top to bottom; the first matching rule wins
type RuleTable []Rule

// DefaultRules returns the standard regime score buckets
func DefaultRules() RuleTable {
	return RuleTable{
		{Name: "regime>=65", Min: 65, Preset: Aggressive},
		{Name: "regime>=40", Min: 40, Preset: Balanced},
		{Name: "regime<40", Min: 0, Preset: Defensive},
	}
}

// Validate requires strictly descending bounds ending in a catch-all
func (rt RuleTable) Validate() error {
	if len(rt) == 0 {
		return fmt.Errorf("rule table is empty")
	}
	for i := 1; i < len(rt); i++ {
		if rt[i].Min >= rt[i-1].Min {
			return fmt.Errorf("rule %q must have a lower bound than %q", rt[i].Name, rt[i-1].Name)
		}
	}
	if last := rt[len(rt)-1]; last.Min > 0 {
		return fmt.Errorf("last rule %q must cover scores down to 0", last.Name)
	}
	return nil
}

// Match returns the first rule whose bound the score reaches
func (rt RuleTable) Match(score float64) (Rule, bool) {
	for _, r := range rt {
		if score >= r.Min {
			return r, true
		}
	}
	return Rule{}, false
}

// Overrides replace individual thresholds or weights. Nil fields are unset.
type Overrides struct {
	Buy         *float64 `yaml:"al,omitempty" json:"al,omitempty"`
	Sell        *float64 `yaml:"sat,omitempty" json:"sat,omitempty"`
	Technical   *float64 `yaml:"technical,omitempty" json:"technical,omitempty"`
	Fundamental *float64 `yaml:"fundamental,omitempty" json:"fundamental,omitempty"`
	News        *float64 `yaml:"news,omitempty" json:"news,omitempty"`
	Regime      *float64 `yaml:"regime,omitempty" json:"regime,omitempty"`
}

// Any reports whether at least one override is set
func (o Overrides) Any() bool {
	return o.Buy != nil || o.Sell != nil || o.Technical != nil ||
		o.Fundamental != nil || o.News != nil || o.Regime != nil
}

// Apply layers the set overrides on top of a preset configuration
func (o Overrides) Apply(pc PresetConfig) PresetConfig {
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&pc.Thresholds.Buy, o.Buy)
	set(&pc.Thresholds.Sell, o.Sell)
	set(&pc.Weights.Technical, o.Technical)
	set(&pc.Weights.Fundamental, o.Fundamental)
	set(&pc.Weights.News, o.News)
	set(&pc.Weights.Regime, o.Regime)
	return pc
}

// Resolution is the active configuration and how it was chosen
type Resolution struct {
	Config PresetConfig `json:"config"`
	Source Source       `json:"source"`
	Rule   string       `json:"rule,omitempty"`
}

// Tag returns the audit record attached to decisions
func (r Resolution) Tag() composite.Preset {
	return composite.Preset{Name: r.Config.Preset.String(), Source: string(r.Source), Rule: r.Rule}
}

// ResolverConfig configures preset resolution
type ResolverConfig struct {
	Named      Preset    `yaml:"preset" json:"preset"`
	AutoRegime bool      `yaml:"auto_regime" json:"auto_regime"`
	Rules      RuleTable `yaml:"rules" json:"rules"`
	Overrides  Overrides `yaml:"overrides" json:"overrides"`
}

// DefaultResolverConfig returns BALANCED with auto-regime disabled
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{Named: Balanced, Rules: DefaultRules()}
}

// Resolver selects the active preset for an evaluation cycle
type Resolver struct {
	book     Book
	config   ResolverConfig
	override PresetConfig
}

// NewResolver validates the book, the rules and the overridden preset
func NewResolver(book Book, config ResolverConfig) (*Resolver, error) {
	if err := book.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate presets: %w", err)
	}
	if len(config.Rules) == 0 {
		config.Rules = DefaultRules()
	}
	if err := config.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate regime rules: %w", err)
	}
	named, err := book.Get(config.Named)
	if err != nil {
		return nil, err
	}
	override := config.Overrides.Apply(named)
	if config.Overrides.Any() {
		if err := override.Validate(); err != nil {
			return nil, fmt.Errorf("invalid overrides: %w", err)
		}
	}
	return &Resolver{book: book, config: config, override: override}, nil
}

// Book returns the presets the resolver chooses from
func (r *Resolver) Book() Book {
	return r.book
}

// Resolve picks overrides first, then the auto-regime rule table, then the
// named preset. A neutral-fallback regime score does not drive auto selection.
func (r *Resolver) Resolve(regimeScore factors.Score) Resolution {
	if r.config.Overrides.Any() {
		return Resolution{Config: r.override, Source: SourceOverride, Rule: "overrides"}
	}

	if r.config.AutoRegime {
		if regimeScore.Fallback() {
			log.Debug().Str("reason", regimeScore.Reason).Msg("Auto regime skipped, using named preset")
			return Resolution{Config: r.book[r.config.Named], Source: SourceNamed, Rule: "auto_regime_unavailable"}
		}
		if rule, ok := r.config.Rules.Match(regimeScore.Value); ok {
			return Resolution{Config: r.book[rule.Preset], Source: SourceAuto, Rule: rule.Name}
		}
	}

	return Resolution{Config: r.book[r.config.Named], Source: SourceNamed}
}
