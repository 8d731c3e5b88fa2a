// Package tune runs walk-forward calibration of decision presets over a
// symbol's history.
package tune

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mtemizkann/borsa-telegram-bot/internal/backtest"
	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/market"
	"github.com/mtemizkann/borsa-telegram-bot/internal/regime"
)

// ErrNoSegments is returned when the history cannot hold one train/test pair
var ErrNoSegments = errors.New("not enough bars for a walk-forward segment")

// Candidate is a named preset under evaluation
type Candidate struct {
	Name   string              `json:"name"`
	Preset regime.PresetConfig `json:"preset"`
}

// BookCandidates lists every preset of a book in enum order
func BookCandidates(book regime.Book) []Candidate {
	out := make([]Candidate, 0, len(book))
	for _, p := range regime.Presets {
		if pc, ok := book[p]; ok {
			out = append(out, Candidate{Name: p.String(), Preset: pc})
		}
	}
	return out
}

// Request describes one calibration
type Request struct {
	Symbol      string
	Sector      string
	Bars        []market.Bar // oldest first
	Capital     float64
	Budget      float64
	TrainBars   int // bars per train segment
	TestBars    int // bars per test segment, also the roll step
	Candidates  []Candidate
	Config      backtest.Config // zero value means backtest.DefaultConfig
	Parallelism int             // concurrent candidates, 4 when zero
}

// Segment is one rolling train/test split
type Segment struct {
	Index     int       `json:"index"`
	TrainFrom time.Time `json:"train_from"`
	TrainTo   time.Time `json:"train_to"`
	TestFrom  time.Time `json:"test_from"`
	TestTo    time.Time `json:"test_to"`

	trainStart, trainEnd, testEnd int
}

// SegmentScore holds a candidate's metrics on one segment
type SegmentScore struct {
	Segment int              `json:"segment"`
	Train   backtest.Metrics `json:"train"`
	Test    backtest.Metrics `json:"test"`
}

// Score aggregates a candidate over all segments
type Score struct {
	Name            string         `json:"name"`
	TrainExpectancy float64        `json:"train_expectancy"` // mean over segments
	TestExpectancy  float64        `json:"test_expectancy"`  // out-of-sample score
	MaxTestDrawdown float64        `json:"max_test_drawdown"`
	TestTrades      int            `json:"test_trades"`
	Segments        []SegmentScore `json:"segments"`
}

// Result is the ranked calibration outcome
type Result struct {
	Symbol      string    `json:"symbol"`
	TrainBars   int       `json:"train_bars"`
	TestBars    int       `json:"test_bars"`
	Segments    []Segment `json:"segments"`
	Scores      []Score   `json:"scores"` // best first
	Recommended string    `json:"recommended"`
	TrainBest   string    `json:"train_best"`
	// Overfit is set when the in-sample winner is not the out-of-sample winner
	Overfit bool `json:"overfit"`
}

// Calibrate runs every candidate on every segment and ranks them by mean test
// expectancy. Ties go to the lower max test drawdown, then to the name. The
// result is deterministic for fixed inputs.
func Calibrate(ctx context.Context, req Request) (*Result, error) {
	cfg := req.Config
	if cfg == (backtest.Config{}) {
		cfg = backtest.DefaultConfig()
	}
	candidates := req.Candidates
	if len(candidates) == 0 {
		candidates = BookCandidates(regime.DefaultBook())
	}
	if cfg.Warmup < 1 {
		cfg.Warmup = 1
	}
	if req.TestBars < 2 {
		return nil, fmt.Errorf("test segment needs at least 2 bars, got %d", req.TestBars)
	}
	if req.TrainBars <= cfg.Warmup {
		return nil, fmt.Errorf("train segment of %d bars does not cover the %d bar warmup", req.TrainBars, cfg.Warmup)
	}

	segments := split(req.Bars, req.TrainBars, req.TestBars)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNoSegments, len(req.Bars), req.TrainBars+req.TestBars)
	}

	limit := req.Parallelism
	if limit <= 0 {
		limit = 4
	}
	scores := make([]Score, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, cand := range candidates {
		i, cand := i, cand
		g.Go(func() error {
			s, err := evaluate(gctx, req, cfg, cand, segments)
			if err != nil {
				return err
			}
			scores[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to calibrate %s: %w", req.Symbol, err)
	}

	res := &Result{
		Symbol:    req.Symbol,
		TrainBars: req.TrainBars,
		TestBars:  req.TestBars,
		Segments:  segments,
		TrainBest: trainBest(scores),
	}
	sort.SliceStable(scores, func(a, b int) bool {
		x, y := scores[a], scores[b]
		if x.TestExpectancy != y.TestExpectancy {
			return x.TestExpectancy > y.TestExpectancy
		}
		if x.MaxTestDrawdown != y.MaxTestDrawdown {
			return x.MaxTestDrawdown < y.MaxTestDrawdown
		}
		return x.Name < y.Name
	})
	res.Scores = scores
	res.Recommended = scores[0].Name
	res.Overfit = res.Recommended != res.TrainBest

	log.Info().Str("symbol", req.Symbol).Int("segments", len(segments)).Int("candidates", len(candidates)).
		Str("recommended", res.Recommended).Str("train_best", res.TrainBest).Msg("Calibration completed")
	return res, nil
}

// split builds rolling segments stepping by the test length
func split(bars []market.Bar, train, test int) []Segment {
	var out []Segment
	for start := 0; start+train+test <= len(bars); start += test {
		s := Segment{
			Index:      len(out),
			trainStart: start,
			trainEnd:   start + train,
			testEnd:    start + train + test,
		}
		s.TrainFrom = bars[s.trainStart].Time
		s.TrainTo = bars[s.trainEnd-1].Time
		s.TestFrom = bars[s.trainEnd].Time
		s.TestTo = bars[s.testEnd-1].Time
		out = append(out, s)
	}
	return out
}

func evaluate(ctx context.Context, req Request, cfg backtest.Config, cand Candidate, segments []Segment) (Score, error) {
	score := Score{Name: cand.Name, Segments: make([]SegmentScore, 0, len(segments))}
	run := func(bars []market.Bar) (backtest.Metrics, error) {
		res, err := backtest.Run(ctx, backtest.Request{
			Symbol:  req.Symbol,
			Sector:  req.Sector,
			Bars:    bars,
			Capital: req.Capital,
			Budget:  req.Budget,
			Preset:  cand.Preset,
			Config:  cfg,
		})
		if err != nil {
			return backtest.Metrics{}, err
		}
		return res.Metrics, nil
	}

	for _, seg := range segments {
		train, err := run(req.Bars[seg.trainStart:seg.trainEnd])
		if err != nil {
			return Score{}, fmt.Errorf("candidate %s segment %d train: %w", cand.Name, seg.Index, err)
		}
		// the test replay carries warmup history so its first signal falls on
		// the first test bar
		test, err := run(req.Bars[seg.trainEnd-cfg.Warmup+1 : seg.testEnd])
		if err != nil {
			return Score{}, fmt.Errorf("candidate %s segment %d test: %w", cand.Name, seg.Index, err)
		}

		score.Segments = append(score.Segments, SegmentScore{Segment: seg.Index, Train: train, Test: test})
		score.TrainExpectancy += train.Expectancy
		score.TestExpectancy += test.Expectancy
		score.TestTrades += test.Trades
		if test.MaxDrawdown > score.MaxTestDrawdown {
			score.MaxTestDrawdown = test.MaxDrawdown
		}
	}

	n := float64(len(segments))
	score.TrainExpectancy /= n
	score.TestExpectancy /= n
	return score, nil
}

func trainBest(scores []Score) string {
	best := -1
	for i, s := range scores {
		if best < 0 || s.TrainExpectancy > scores[best].TrainExpectancy ||
			(s.TrainExpectancy == scores[best].TrainExpectancy && s.Name < scores[best].Name) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return scores[best].Name
}
