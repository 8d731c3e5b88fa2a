// Package alerts gates notifications per symbol with a time cooldown and a
// monitored price band, and delivers them through a Notifier.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// Suppression reasons
const (
	ReasonNotActionable     = "not_actionable"
	ReasonCooldown          = "cooldown"
	ReasonStopAfterRecenter = "stop_distance_after_recenter"
)

// Breach directions of the monitored band
const (
	BreachNone  = ""
	BreachBelow = "below"
	BreachAbove = "above"
)

// Config controls alert gating
type Config struct {
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"` // 3600s
	BandPct  float64       `yaml:"band_pct" json:"band_pct"` // 2% either side of the band center
	Recenter bool          `yaml:"recenter" json:"recenter"` // recenter the band on breakout
}

// DefaultConfig returns the standard alert gating
func DefaultConfig() Config {
	return Config{
		Cooldown: time.Hour,
		BandPct:  2.0,
		Recenter: true,
	}
}

// Validate checks the cooldown and band size
func (c Config) Validate() error {
	if c.Cooldown < 0 {
		return fmt.Errorf("alert cooldown must not be negative, got %s", c.Cooldown)
	}
	if c.BandPct <= 0 || c.BandPct >= 100 {
		return fmt.Errorf("band pct must be in (0,100), got %.2f", c.BandPct)
	}
	return nil
}

// Record is the persisted alert state of one symbol
type Record struct {
	LastAlertAt    time.Time `json:"last_alert_at"`
	LastAlertPrice float64   `json:"last_alert_price"`
	BandLow        float64   `json:"band_low"`
	BandHigh       float64   `json:"band_high"`
	Below          bool      `json:"below"` // armed flags: set while price stays outside
	Above          bool      `json:"above"`
}

// HasBand reports whether a monitored band exists
func (r Record) HasBand() bool {
	return r.BandHigh > r.BandLow && r.BandLow > 0
}

// Store persists alert records
type Store interface {
	Get(ctx context.Context, symbol string) (Record, bool, error)
	Put(ctx context.Context, symbol string, rec Record) error
}

// Candidate is a decision that may produce an alert
type Candidate struct {
	Symbol   string
	Price    float64
	Now      time.Time
	Decision composite.Decision
	// Replan recomputes the decision around a new entry and applies the
	// stop-distance filter; nil keeps the decision unchanged.
	Replan func(entry float64) (composite.Decision, bool)
}

// Verdict says whether to emit and carries the state to persist afterwards
type Verdict struct {
	Symbol     string             `json:"symbol"`
	Emit       bool               `json:"emit"`
	Kind       Kind               `json:"kind"`
	Reason     string             `json:"reason,omitempty"`
	Breach     string             `json:"breach,omitempty"` // new breach event this check
	Recentered bool               `json:"recentered"`
	Decision   composite.Decision `json:"decision"`
	Price      float64            `json:"price"`
	Now        time.Time          `json:"now"`

	prev Record
	next Record
}

// Band returns the band that will be in force after the check
func (v Verdict) Band() (low, high float64) {
	return v.next.BandLow, v.next.BandHigh
}

// Crossed returns the band that was in force when the check started
func (v Verdict) Crossed() (low, high float64) {
	return v.prev.BandLow, v.prev.BandHigh
}

// Controller applies cooldown and band rules
type Controller struct {
	config Config
	store  Store
}

// NewController creates an alert controller
func NewController(config Config, store Store) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create alert controller: %w", err)
	}
	return &Controller{config: config, store: store}, nil
}

// Seed installs a fixed band for a symbol with no stored state
func (c *Controller) Seed(ctx context.Context, symbol string, low, high float64) error {
	if low <= 0 || high <= low {
		return fmt.Errorf("invalid band [%.2f, %.2f] for %s", low, high, symbol)
	}
	_, ok, err := c.store.Get(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to load alert state for %s: %w", symbol, err)
	}
	if ok {
		return nil
	}
	return c.store.Put(ctx, symbol, Record{BandLow: low, BandHigh: high})
}

// Record returns the stored alert state of a symbol
func (c *Controller) Record(ctx context.Context, symbol string) (Record, bool, error) {
	return c.store.Get(ctx, symbol)
}

func (c *Controller) bandAround(price float64) (float64, float64) {
	return price * (1 - c.config.BandPct/100), price * (1 + c.config.BandPct/100)
}

// Check evaluates a candidate without writing any state
func (c *Controller) Check(ctx context.Context, cand Candidate) (Verdict, error) {
	prev, _, err := c.store.Get(ctx, cand.Symbol)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to load alert state for %s: %w", cand.Symbol, err)
	}

	v := Verdict{
		Symbol:   cand.Symbol,
		Kind:     KindSignal,
		Decision: cand.Decision,
		Price:    cand.Price,
		Now:      cand.Now,
		prev:     prev,
		next:     prev,
	}

	breakout := c.trackBand(&v, cand.Price)

	if breakout && c.config.Recenter && cand.Decision.Actionable && cand.Replan != nil {
		replanned, ok := cand.Replan(cand.Price)
		if !ok {
			v.Reason = ReasonStopAfterRecenter
			log.Info().Str("symbol", cand.Symbol).Float64("price", cand.Price).
				Msg("Alert suppressed, stop distance out of bounds after recenter")
			return v, nil
		}
		v.Decision = replanned
	}

	switch {
	case v.Decision.Actionable:
		v.Kind = KindSignal
	case v.Breach != BreachNone:
		// a fresh band breach alerts once per excursion and skips the cooldown
		v.Kind = KindBand
		v.Emit = true
		return v, nil
	default:
		v.Reason = ReasonNotActionable
		return v, nil
	}

	if !prev.LastAlertAt.IsZero() && cand.Now.Sub(prev.LastAlertAt) < c.config.Cooldown {
		v.Reason = ReasonCooldown
		return v, nil
	}

	v.Emit = true
	return v, nil
}

// trackBand updates the band in v.next and reports whether price broke out
func (c *Controller) trackBand(v *Verdict, price float64) bool {
	if price <= 0 {
		return false
	}
	next := &v.next
	if !next.HasBand() {
		next.BandLow, next.BandHigh = c.bandAround(price)
		return false
	}

	switch {
	case price < next.BandLow:
		if !next.Below {
			v.Breach = BreachBelow
		}
		next.Below, next.Above = true, false
	case price > next.BandHigh:
		if !next.Above {
			v.Breach = BreachAbove
		}
		next.Above, next.Below = true, false
	default:
		// back inside: re-arm both directions
		next.Below, next.Above = false, false
		return false
	}

	// the breach of the old band stays on the verdict; the recentered band
	// starts a new excursion
	if c.config.Recenter {
		next.BandLow, next.BandHigh = c.bandAround(price)
		next.Below, next.Above = false, false
		v.Recentered = true
	}
	return true
}

// Commit records a successful delivery
func (c *Controller) Commit(ctx context.Context, v Verdict) error {
	rec := v.next
	if v.Kind == KindSignal {
		rec.LastAlertAt = v.Now
		rec.LastAlertPrice = v.Price
	}
	if err := c.store.Put(ctx, v.Symbol, rec); err != nil {
		return fmt.Errorf("failed to commit alert state for %s: %w", v.Symbol, err)
	}
	return nil
}

// Observe persists band movement for a verdict that was not delivered. Alert
// time and breach flags from this check are not recorded, so a failed
// delivery is retried on the next cycle.
func (c *Controller) Observe(ctx context.Context, v Verdict) error {
	rec := v.next
	rec.LastAlertAt = v.prev.LastAlertAt
	rec.LastAlertPrice = v.prev.LastAlertPrice
	if v.Breach != BreachNone {
		rec.Below, rec.Above = v.prev.Below, v.prev.Above
		// an undelivered breach keeps the crossed band so it is seen again
		if v.Emit && v.Recentered {
			rec.BandLow, rec.BandHigh = v.prev.BandLow, v.prev.BandHigh
		}
	}
	if rec == v.prev {
		return nil
	}
	if err := c.store.Put(ctx, v.Symbol, rec); err != nil {
		return fmt.Errorf("failed to save band state for %s: %w", v.Symbol, err)
	}
	return nil
}
