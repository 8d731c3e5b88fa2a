package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/mtemizkann/borsa-telegram-bot/internal/exits"
	"github.com/mtemizkann/borsa-telegram-bot/internal/risk"
)

// DefaultLogCapacity is the default decision log retention
const DefaultLogCapacity = 5000

// NewMemoryRepository returns process-local repositories
func NewMemoryRepository(capacity int) *Repository {
	return &Repository{
		Decisions: NewMemoryDecisionLog(capacity),
		Positions: NewMemoryPositions(),
		Risk:      &MemoryRiskState{},
	}
}

// MemoryDecisionLog is a capped ring of decisions and outcomes. The oldest
// entries are dropped first.
type MemoryDecisionLog struct {
	mu       sync.RWMutex
	capacity int
	records  []DecisionRecord
	outcomes []Outcome
}

// NewMemoryDecisionLog creates a log holding at most capacity entries of each kind
func NewMemoryDecisionLog(capacity int) *MemoryDecisionLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &MemoryDecisionLog{capacity: capacity}
}

func (l *MemoryDecisionLog) Append(_ context.Context, rec DecisionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if over := len(l.records) - l.capacity; over > 0 {
		l.records = append(l.records[:0:0], l.records[over:]...)
	}
	return nil
}

func (l *MemoryDecisionLog) AppendOutcome(_ context.Context, o Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
	if over := len(l.outcomes) - l.capacity; over > 0 {
		l.outcomes = append(l.outcomes[:0:0], l.outcomes[over:]...)
	}
	return nil
}

func (l *MemoryDecisionLog) ListBySymbol(_ context.Context, symbol string, limit int) ([]DecisionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]DecisionRecord, 0)
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].Symbol != symbol {
			continue
		}
		out = append(out, l.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryDecisionLog) ListOutcomes(_ context.Context, limit int) ([]Outcome, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Outcome, 0, len(l.outcomes))
	for i := len(l.outcomes) - 1; i >= 0; i-- {
		out = append(out, l.outcomes[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MemoryPositions keeps open positions keyed by ID
type MemoryPositions struct {
	mu   sync.RWMutex
	open map[string]exits.Position
}

// NewMemoryPositions creates an empty position store
func NewMemoryPositions() *MemoryPositions {
	return &MemoryPositions{open: make(map[string]exits.Position)}
}

func (m *MemoryPositions) Save(_ context.Context, p exits.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.State.Terminal() {
		delete(m.open, p.ID)
		return nil
	}
	m.open[p.ID] = p
	return nil
}

func (m *MemoryPositions) ListOpen(_ context.Context) ([]exits.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]exits.Position, 0, len(m.open))
	for _, p := range m.open {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryPositions) Archive(_ context.Context, p exits.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, p.ID)
	return nil
}

// MemoryRiskState holds the last saved risk counters
type MemoryRiskState struct {
	mu    sync.RWMutex
	state *risk.State
}

func (m *MemoryRiskState) Save(_ context.Context, s risk.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &s
	return nil
}

func (m *MemoryRiskState) Load(_ context.Context) (risk.State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return risk.State{}, false, nil
	}
	return *m.state, true, nil
}
