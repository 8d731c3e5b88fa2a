package exits

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Position is a simulated long position tracked by the exit state machine
type Position struct {
	ID            string     `json:"id" db:"id"`
	DecisionID    string     `json:"decision_id" db:"decision_id"`
	Symbol        string     `json:"symbol" db:"symbol"`
	Sector        string     `json:"sector" db:"sector"`
	Entry         float64    `json:"entry" db:"entry"`
	InitialStop   float64    `json:"initial_stop" db:"initial_stop"`
	Stop          float64    `json:"stop" db:"stop"`
	Target1       float64    `json:"target1" db:"target1"`
	Target2       float64    `json:"target2" db:"target2"`
	Lot           int        `json:"lot" db:"lot"`
	Remaining     int        `json:"remaining" db:"remaining"`
	OpenedAt      time.Time  `json:"opened_at" db:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	State         State      `json:"-" db:"-"`
	HighWaterMark float64    `json:"high_water_mark" db:"high_water_mark"`
	LastPrice     float64    `json:"last_price" db:"last_price"`
	RealizedPnL   float64    `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnL float64    `json:"unrealized_pnl" db:"unrealized_pnl"`
}

// NewPosition validates the plan and returns an OPEN position
func NewPosition(id, decisionID, symbol, sector string, entry, stop, target1, target2 float64, lot int, at time.Time) (*Position, error) {
	if lot <= 0 {
		return nil, fmt.Errorf("lot must be positive, got %d", lot)
	}
	if !(stop < entry && entry < target1 && target1 <= target2) {
		return nil, fmt.Errorf("invalid long levels stop=%.4f entry=%.4f t1=%.4f t2=%.4f", stop, entry, target1, target2)
	}
	return &Position{
		ID:            id,
		DecisionID:    decisionID,
		Symbol:        symbol,
		Sector:        sector,
		Entry:         entry,
		InitialStop:   stop,
		Stop:          stop,
		Target1:       target1,
		Target2:       target2,
		Lot:           lot,
		Remaining:     lot,
		OpenedAt:      at,
		State:         Open,
		HighWaterMark: entry,
		LastPrice:     entry,
	}, nil
}

// StateName is the persisted form of State
func (p *Position) StateName() string {
	return p.State.String()
}

// TotalPnL returns realized plus unrealized PnL
func (p *Position) TotalPnL() float64 {
	return p.RealizedPnL + p.UnrealizedPnL
}

// InitialRisk is the loss at the initial stop for the full lot
func (p *Position) InitialRisk() float64 {
	return float64(p.Lot) * (p.Entry - p.InitialStop)
}

func (p *Position) mark(price float64) {
	p.LastPrice = price
	p.UnrealizedPnL = float64(p.Remaining) * (price - p.Entry)
}

func (p *Position) raiseHWM(price float64) {
	if price > p.HighWaterMark {
		p.HighWaterMark = price
	}
}

// ratchet lifts the stop toward the high-water mark; it never loosens
func (p *Position) ratchet(pct float64) {
	trail := p.HighWaterMark * (1 - pct/100)
	p.Stop = math.Max(p.Stop, trail)
}

// fill moves the position to a new state, closing qty shares at price
func (p *Position) fill(to State, reason ExitReason, price float64, qty int, at time.Time) Transition {
	t := p.advance(to, reason, price, at)
	pnl := float64(qty) * (price - p.Entry)
	p.Remaining -= qty
	p.RealizedPnL += pnl
	t.Quantity = qty
	t.PnL = pnl
	if to == Closed {
		closed := at
		p.ClosedAt = &closed
		p.Remaining = 0
	}
	t.Stop = p.Stop
	return t
}

// advance changes state without closing shares
func (p *Position) advance(to State, reason ExitReason, price float64, at time.Time) Transition {
	if !CanTransition(p.State, to) {
		panic(fmt.Sprintf("exits: illegal transition %s -> %s for %s", p.State, to, p.Symbol))
	}
	from := p.State
	p.State = to
	return Transition{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		From:       from,
		To:         to,
		FromName:   from.String(),
		ToName:     to.String(),
		Reason:     reason,
		Price:      price,
		Stop:       p.Stop,
		Time:       at,
	}
}

// ErrAlreadyOpen is returned when a symbol already holds an open position
var ErrAlreadyOpen = errors.New("position already open")
