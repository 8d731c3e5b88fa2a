package application

import (
	"sort"
	"sync"
	"time"

	"github.com/mtemizkann/borsa-telegram-bot/internal/domain/factors"
	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/score/composite"
)

// SymbolState is the latest evaluation of one watchlist symbol
type SymbolState struct {
	Symbol    string             `json:"symbol"`
	Price     float64            `json:"price"`
	Decision  composite.Decision `json:"decision"`
	Scores    factors.Scores     `json:"scores"`
	Position  *exits.Position    `json:"position,omitempty"`
	BandLow   float64            `json:"band_low,omitempty"`
	BandHigh  float64            `json:"band_high,omitempty"`
	Alert     string             `json:"alert,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// LatestStore keeps the most recent state per symbol
type LatestStore struct {
	mu     sync.RWMutex
	states map[string]SymbolState
}

// NewLatestStore creates an empty store
func NewLatestStore() *LatestStore {
	return &LatestStore{states: make(map[string]SymbolState)}
}

// Put replaces the state of a symbol
func (s *LatestStore) Put(st SymbolState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Symbol] = st
}

// Get returns the state of a symbol
func (s *LatestStore) Get(symbol string) (SymbolState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[symbol]
	return st, ok
}

// All returns every state ordered by symbol
func (s *LatestStore) All() []SymbolState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SymbolState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
