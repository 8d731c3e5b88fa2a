// Package circuit wraps outbound calls (market data, chat delivery) in a
// gobreaker circuit so a failing collaborator is skipped until it recovers.
package circuit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects a call
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config represents circuit breaker configuration
type Config struct {
	Name             string        `yaml:"name" json:"name"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"` // consecutive failures to open
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`           // trial requests allowed while half-open
	Interval         time.Duration `yaml:"interval" json:"interval"`                   // closed-state count reset
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`                     // open → half-open
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout"`     // per call
}

// DefaultConfig returns breaker settings for a named collaborator
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		RequestTimeout:   15 * time.Second,
	}
}

// Breaker guards calls to one collaborator
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewBreaker creates a new circuit breaker with the specified configuration
func NewBreaker(config Config) *Breaker {
	threshold := config.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), timeout: config.RequestTimeout}
}

// Call executes fn unless the circuit is open
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if b.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns closed, half-open or open
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.cb.Name()
}
