package exits

import (
	"fmt"
	"sort"
	"sync"
)

// Book holds at most one open position per symbol
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// NewBook creates an empty position book
func NewBook() *Book {
	return &Book{positions: make(map[string]*Position)}
}

// Add registers a new open position
func (b *Book) Add(p *Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.positions[p.Symbol]; ok {
		return fmt.Errorf("failed to add %s: %w", p.Symbol, ErrAlreadyOpen)
	}
	b.positions[p.Symbol] = p
	return nil
}

// Get returns a copy of the open position for symbol
func (b *Book) Get(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Update runs fn on the symbol's position under the book lock. A position
// that ends CLOSED is removed and returned as closed.
func (b *Book) Update(symbol string, fn func(p *Position) []Transition) (ts []Transition, closed *Position) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return nil, nil
	}
	ts = fn(p)
	if p.State == Closed {
		delete(b.positions, symbol)
		return ts, p
	}
	return ts, nil
}

// Remove drops a position regardless of its state
func (b *Book) Remove(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, symbol)
}

// List returns copies of all open positions ordered by symbol
func (b *Book) List() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of open positions
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}
