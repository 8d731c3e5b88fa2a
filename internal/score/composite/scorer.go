package composite

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/factors"
)

// WeightTolerance bounds the allowed deviation of a weight sum from 1
const WeightTolerance = 1e-6

// Label is the closed set of decision outcomes
type Label int

const (
	LabelHold Label = iota
	LabelBuy
	LabelSell
)

// String returns the wire name of the label
func (l Label) String() string {
	switch l {
	case LabelBuy:
		return "BUY"
	case LabelSell:
		return "SELL"
	case LabelHold:
		return "HOLD"
	default:
		return fmt.Sprintf("Label(%d)", int(l))
	}
}

// ParseLabel converts a wire name back into a Label
func ParseLabel(s string) (Label, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "AL":
		return LabelBuy, nil
	case "SELL", "SAT":
		return LabelSell, nil
	case "HOLD", "BEKLE":
		return LabelHold, nil
	}
	return LabelHold, fmt.Errorf("unknown decision label %q", s)
}

// MarshalJSON encodes the label by name
func (l Label) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a label name
func (l *Label) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLabel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Weights are the per-factor contributions to the composite score
type Weights struct {
	Technical   float64 `yaml:"technical" json:"technical"`
	Fundamental float64 `yaml:"fundamental" json:"fundamental"`
	News        float64 `yaml:"news" json:"news"`
	Regime      float64 `yaml:"regime" json:"regime"`
}

// Sum returns the total weight
func (w Weights) Sum() float64 {
	return w.Technical + w.Fundamental + w.News + w.Regime
}

// Validate ensures weights are non-negative and sum to 1 within tolerance
func (w Weights) Validate() error {
	named := []struct {
		name string
		v    float64
	}{{"technical", w.Technical}, {"fundamental", w.Fundamental}, {"news", w.News}, {"regime", w.Regime}}
	for _, n := range named {
		if n.v < 0 || math.IsNaN(n.v) {
			return fmt.Errorf("%s weight must be non-negative, got %.4f", n.name, n.v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > WeightTolerance {
		return fmt.Errorf("weights sum to %.6f, expected 1.0 ±%g", sum, WeightTolerance)
	}
	return nil
}

// Thresholds are the AL (buy) and SAT (sell) composite cut-offs
type Thresholds struct {
	Buy  float64 `yaml:"al" json:"al"`
	Sell float64 `yaml:"sat" json:"sat"`
}

// Validate requires 0 ≤ SAT < AL ≤ 100
func (t Thresholds) Validate() error {
	if t.Sell < 0 || t.Buy > 100 {
		return fmt.Errorf("thresholds must lie in [0,100], got AL=%.2f SAT=%.2f", t.Buy, t.Sell)
	}
	if t.Buy <= t.Sell {
		return fmt.Errorf("AL threshold %.2f must exceed SAT threshold %.2f", t.Buy, t.Sell)
	}
	return nil
}

// Composite combines sub-scores with weights, clamped to [0,100]
func Composite(s factors.Scores, w Weights) float64 {
	c := w.Technical*s.Technical.Value +
		w.Fundamental*s.Fundamental.Value +
		w.News*s.News.Value +
		w.Regime*s.Regime.Value
	return factors.Clamp(c)
}

// Classify maps a composite score to a label. The mapping is monotonic:
// SELL below or at SAT, BUY at or above AL, HOLD in between.
func Classify(c float64, t Thresholds) Label {
	switch {
	case c >= t.Buy:
		return LabelBuy
	case c <= t.Sell:
		return LabelSell
	default:
		return LabelHold
	}
}

// Confidence measures how decisively the composite sits inside its label's region
func Confidence(label Label, c float64, t Thresholds) float64 {
	var v float64
	switch label {
	case LabelBuy:
		if t.Buy >= 100 {
			v = 100
		} else {
			v = (c - t.Buy) / (100 - t.Buy) * 100
		}
	case LabelSell:
		if t.Sell <= 0 {
			v = 100
		} else {
			v = (t.Sell - c) / t.Sell * 100
		}
	default:
		half := (t.Buy - t.Sell) / 2
		nearest := math.Min(t.Buy-c, c-t.Sell)
		if half > 0 {
			v = nearest / half * 100
		}
	}
	return factors.Clamp(v)
}
