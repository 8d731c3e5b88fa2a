package exits

import (
	"fmt"
	"math"
	"time"
)

// State is the lifecycle stage of a long position
type State int

const (
	Open State = iota
	PartialTP1
	Trailing
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case PartialTP1:
		return "PARTIAL_TP1"
	case Trailing:
		return "TRAILING"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState converts a stored name back into a State
func ParseState(name string) (State, error) {
	for _, s := range States {
		if s.String() == name {
			return s, nil
		}
	}
	return Open, fmt.Errorf("unknown exit state %q", name)
}

// States lists every state in lifecycle order
var States = []State{Open, PartialTP1, Trailing, Closed}

// transitions is the complete table of allowed moves
var transitions = map[State][]State{
	Open:       {PartialTP1, Closed},
	PartialTP1: {Trailing},
	Trailing:   {Closed},
	Closed:     nil,
}

// CanTransition reports whether from → to is in the transition table
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves the state
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// ExitReason explains a transition
type ExitReason int

const (
	NoExit ExitReason = iota
	InitialStop        // stop hit before the first target
	Target1            // partial take-profit
	TrailingActivated  // trailing tracking starts after the partial
	Target2            // final target on the remainder
	TrailingStop       // trailing (or break-even) stop hit
	EndOfWindow        // forced close at the end of a replay
	Manual             // closed by the operator
)

func (er ExitReason) String() string {
	switch er {
	case NoExit:
		return "no_exit"
	case InitialStop:
		return "initial_stop"
	case Target1:
		return "target_1"
	case TrailingActivated:
		return "trailing_activated"
	case Target2:
		return "target_2"
	case TrailingStop:
		return "trailing_stop"
	case EndOfWindow:
		return "end_of_window"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// MarshalText encodes the reason by name
func (er ExitReason) MarshalText() ([]byte, error) {
	return []byte(er.String()), nil
}

// ExitConfig contains exit rule configuration
type ExitConfig struct {
	PartialTP1Ratio float64 `yaml:"partial_tp1_ratio" json:"partial_tp1_ratio"` // 0.5 of the lot at target 1
	TrailingStopPct float64 `yaml:"trailing_stop_pct" json:"trailing_stop_pct"` // 3% below the high-water mark
}

// DefaultExitConfig returns the standard exit configuration
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		PartialTP1Ratio: 0.5,
		TrailingStopPct: 3.0,
	}
}

// Validate checks ratio and percentage bounds
func (c ExitConfig) Validate() error {
	if c.PartialTP1Ratio <= 0 || c.PartialTP1Ratio >= 1 {
		return fmt.Errorf("partial TP1 ratio must be in (0,1), got %.4f", c.PartialTP1Ratio)
	}
	if c.TrailingStopPct <= 0 || c.TrailingStopPct >= 100 {
		return fmt.Errorf("trailing stop pct must be in (0,100), got %.4f", c.TrailingStopPct)
	}
	return nil
}

// Transition records one state change of a position
type Transition struct {
	PositionID string     `json:"position_id"`
	Symbol     string     `json:"symbol"`
	From       State      `json:"-"`
	To         State      `json:"-"`
	FromName   string     `json:"from"`
	ToName     string     `json:"to"`
	Reason     ExitReason `json:"reason"`
	Price      float64    `json:"price"`
	Quantity   int        `json:"quantity"`
	PnL        float64    `json:"pnl"` // realized by this transition
	Stop       float64    `json:"stop"`
	Time       time.Time  `json:"time"`
}

// Closes reports whether the transition ended the position
func (t Transition) Closes() bool {
	return t.To == Closed
}

// ExitEvaluator drives positions through the state machine
type ExitEvaluator struct {
	config ExitConfig
}

// NewExitEvaluator creates a new exit evaluator
func NewExitEvaluator(config ExitConfig) (*ExitEvaluator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create exit evaluator: %w", err)
	}
	return &ExitEvaluator{config: config}, nil
}

// Config returns the evaluator configuration
func (ee *ExitEvaluator) Config() ExitConfig {
	return ee.config
}

// OnPrice applies a discretely observed quote. Any level the quote has passed
// fills at the quote itself.
func (ee *ExitEvaluator) OnPrice(p *Position, price float64, at time.Time) []Transition {
	out := ee.step(p, price, true, at)
	p.mark(price)
	return out
}

// OnBar replays a bar as a price path starting from the position's last
// price: open, then low and high in the order implied by the bar direction,
// then close. The gap to the open fills at the open; continuous segments fill
// at the level crossed.
func (ee *ExitEvaluator) OnBar(p *Position, o, h, l, c float64, at time.Time) []Transition {
	var out []Transition
	path := []float64{l, h, c}
	if c < o {
		path = []float64{h, l, c}
	}

	if p.State.Terminal() {
		return nil
	}
	out = append(out, ee.step(p, o, true, at)...)
	p.mark(o)
	for _, px := range path {
		if p.State.Terminal() {
			break
		}
		out = append(out, ee.step(p, px, false, at)...)
		p.mark(px)
	}
	return out
}

// Close force-closes the remaining lot at price
func (ee *ExitEvaluator) Close(p *Position, price float64, at time.Time, reason ExitReason) []Transition {
	if p.State.Terminal() {
		return nil
	}
	t := p.fill(Closed, reason, price, p.Remaining, at)
	p.mark(price)
	return []Transition{t}
}

// step moves the position to price px. Targets are checked before stops.
func (ee *ExitEvaluator) step(p *Position, px float64, gap bool, at time.Time) []Transition {
	fillAt := func(level float64) float64 {
		if gap {
			return px
		}
		return level
	}

	var out []Transition
	for {
		switch p.State {
		case Open:
			if px >= p.Target1 {
				qty := int(math.Floor(float64(p.Lot) * ee.config.PartialTP1Ratio))
				fill := fillAt(p.Target1)
				out = append(out, p.fill(PartialTP1, Target1, fill, qty, at))
				p.Stop = p.Entry
				p.raiseHWM(fill)
				out = append(out, p.advance(Trailing, TrailingActivated, fill, at))
				continue
			}
			if px <= p.Stop {
				return append(out, p.fill(Closed, InitialStop, fillAt(p.Stop), p.Remaining, at))
			}
			return out

		case Trailing:
			p.raiseHWM(px)
			p.ratchet(ee.config.TrailingStopPct)
			if px >= p.Target2 {
				return append(out, p.fill(Closed, Target2, fillAt(p.Target2), p.Remaining, at))
			}
			if px <= p.Stop {
				return append(out, p.fill(Closed, TrailingStop, fillAt(p.Stop), p.Remaining, at))
			}
			return out

		default:
			return out
		}
	}
}
