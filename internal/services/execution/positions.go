package execution

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ZeroDTE/internal/domain/models"
)

// slot is one position plus the bookkeeping needed to close it leg by leg.
// Every read and write of a position goes through its slot lock.
type slot struct {
	mu       sync.Mutex
	pos      models.Position
	legOpen  []int   // contracts still open per leg
	cash     float64 // per-share premium received (+) or paid (-) by closing fills
	attempt  int
	breached bool
}

// PositionBook holds positions opened by the coordinator.
type PositionBook struct {
	mu    sync.RWMutex
	slots map[string]*slot
	ids   []string
}

func NewPositionBook() *PositionBook {
	return &PositionBook{slots: make(map[string]*slot)}
}

func (b *PositionBook) add(p models.Position, legOpen []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[p.ID] = &slot{pos: p, legOpen: legOpen}
	b.ids = append(b.ids, p.ID)
}

func (b *PositionBook) slot(id string) (*slot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.slots[id]
	return s, ok
}

func (b *PositionBook) Get(id string) (models.Position, bool) {
	s, ok := b.slot(id)
	if !ok {
		return models.Position{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPosition(s.pos), true
}

// List returns every position in opening order.
func (b *PositionBook) List() []models.Position {
	b.mu.RLock()
	ids := append([]string(nil), b.ids...)
	b.mu.RUnlock()

	out := make([]models.Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := b.Get(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// Open returns positions that are not yet closed.
func (b *PositionBook) Open() []models.Position {
	all := b.List()
	out := all[:0]
	for _, p := range all {
		if p.Status != models.PositionClosed {
			out = append(out, p)
		}
	}
	return out
}

func copyPosition(p models.Position) models.Position {
	p.Legs = append([]models.OptionLeg(nil), p.Legs...)
	return p
}

// markValue is the per-unit value of the legs at chain mids; ok is false if any strike is missing.
func markValue(legs []models.OptionLeg, chain *models.OptionChain) (float64, []models.OptionLeg, bool) {
	if chain == nil {
		return 0, nil, false
	}
	v := 0.0
	out := make([]models.OptionLeg, len(legs))
	for i, l := range legs {
		q, ok := chain.Lookup(l.Right, l.Strike)
		if !ok || q.Ask <= 0 {
			return 0, nil, false
		}
		l.Bid, l.Ask, l.Delta, l.Gamma, l.IV = q.Bid, q.Ask, q.Delta, q.Gamma, q.IV
		out[i] = l
		v += l.Side.Sign() * float64(l.Ratio) * q.Mid()
	}
	return v, out, true
}

// mark revalues an open position; closed positions are returned unchanged.
func (s *slot) mark(chain *models.OptionChain, now time.Time) models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos.Status == models.PositionClosed {
		return copyPosition(s.pos)
	}
	if v, legs, ok := markValue(s.pos.Legs, chain); ok {
		s.pos.Mark = v
		s.pos.Legs = legs
		s.pos.MarkedAt = now
		if s.fullyOpenLocked() {
			s.pos.UnrealizedPnL = s.pos.PnLAt(v)
		}
	}
	return copyPosition(s.pos)
}

// flagBreach reports true the first time an open position's loss exceeds its defined maximum.
func (s *slot) flagBreach() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breached {
		return false
	}
	s.breached = true
	return true
}

func (s *slot) fullyOpenLocked() bool {
	for i, l := range s.pos.Legs {
		if s.legOpen[i] != s.pos.Quantity*l.Ratio {
			return false
		}
	}
	return true
}

// beginClose moves an open position to closing and returns what remains to be closed.
func (s *slot) beginClose(reason models.ExitReason) (models.Position, []int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos.Status != models.PositionOpen {
		return models.Position{}, nil, 0, false
	}
	s.pos.Status = models.PositionClosing
	s.pos.CloseReason = reason
	s.attempt++
	return copyPosition(s.pos), append([]int(nil), s.legOpen...), s.attempt, true
}

// retryClose hands out another close attempt for a position stuck in closing.
func (s *slot) retryClose() (models.Position, []int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos.Status != models.PositionClosing {
		return models.Position{}, nil, 0, false
	}
	s.attempt++
	return copyPosition(s.pos), append([]int(nil), s.legOpen...), s.attempt, true
}

// closeFill is a settled piece of a closing intent.
type closeFill struct {
	leg      int
	qty      int
	notional decimal.Decimal
}

// applyClose books closing fills and closes the position once no contracts remain.
func (s *slot) applyClose(fills []closeFill, now time.Time) (models.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos.Status == models.PositionClosed {
		return copyPosition(s.pos), false
	}

	for _, f := range fills {
		if f.qty <= 0 {
			continue
		}
		n, _ := f.notional.Float64()
		if f.leg < 0 {
			// combo prices are signed net cost per unit
			s.cash -= n
			for i, l := range s.pos.Legs {
				s.legOpen[i] -= f.qty * l.Ratio
			}
			continue
		}
		side := s.pos.Legs[f.leg].Side.Opposite()
		s.cash -= side.Sign() * n
		s.legOpen[f.leg] -= f.qty
	}

	for _, q := range s.legOpen {
		if q > 0 {
			return copyPosition(s.pos), false
		}
	}
	entryCash := -s.pos.EntryCost * float64(s.pos.Quantity)
	s.pos.RealizedPnL = (entryCash + s.cash) * models.ContractMultiplier
	s.pos.UnrealizedPnL = 0
	s.pos.Status = models.PositionClosed
	s.pos.ClosedAt = now
	return copyPosition(s.pos), true
}
