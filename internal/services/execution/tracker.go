package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ZeroDTE/internal/domain/models"
)

// intentTrack is the fill state of one submitted intent. Guarded by the owning orderTrack.
type intentTrack struct {
	state    models.IntentState
	leg      int // index into the strategy legs, -1 for a combo
	seen     map[string]struct{}
	notional decimal.Decimal

	// settled is the part of the fill already applied to a position.
	settledQty      int
	settledNotional decimal.Decimal
}

func newIntentTrack(in models.OrderIntent, leg int) *intentTrack {
	return &intentTrack{
		state: models.IntentState{Intent: in, Status: models.IntentPending},
		leg:   leg,
		seen:  make(map[string]struct{}),
	}
}

func (it *intentTrack) remaining() int { return it.state.Intent.Quantity - it.state.FilledQty }

func (it *intentTrack) filled() bool { return it.state.Status == models.IntentFilled }

func (it *intentTrack) dead() bool {
	return it.state.Status == models.IntentRejected || it.state.Status == models.IntentCancelled
}

func (it *intentTrack) open() bool {
	return it.state.Status == models.IntentPending || it.state.Status == models.IntentWorking
}

// apply folds one execution event in. It returns the newly filled quantity; duplicates and
// fills beyond the intent quantity are ignored.
func (it *intentTrack) apply(ev models.ExecutionEvent) (int, bool) {
	id := ev.ExecID
	if id == "" {
		id = fmt.Sprintf("%s|%d|%d", ev.Type, ev.FilledQty, ev.Timestamp.UnixNano())
	}
	if _, dup := it.seen[id]; dup {
		return 0, false
	}
	it.seen[id] = struct{}{}

	if ev.BrokerOrderID != "" {
		it.state.BrokerID = ev.BrokerOrderID
	}

	switch ev.Type {
	case models.ExecAck:
		if it.state.Status == models.IntentPending {
			it.state.Status = models.IntentWorking
		}
	case models.ExecFill, models.ExecPartialFill:
		add := ev.FilledQty
		if rem := it.remaining(); add > rem {
			add = rem
		}
		if add <= 0 {
			return 0, true
		}
		it.state.FilledQty += add
		it.notional = it.notional.Add(ev.Price.Mul(decimal.NewFromInt(int64(add))))
		it.state.AvgPrice = it.notional.Div(decimal.NewFromInt(int64(it.state.FilledQty)))
		if it.remaining() == 0 {
			it.state.Status = models.IntentFilled
		} else {
			it.state.Status = models.IntentWorking
		}
		return add, true
	case models.ExecRejected:
		if !it.filled() {
			it.state.Status = models.IntentRejected
			it.state.Reason = ev.Reason
		}
	case models.ExecCancelled:
		if !it.filled() {
			it.state.Status = models.IntentCancelled
			it.state.Reason = ev.Reason
		}
	}
	return 0, true
}

// unsettled returns fill quantity and notional not yet applied to a position and marks them settled.
func (it *intentTrack) unsettled() (int, decimal.Decimal) {
	qty := it.state.FilledQty - it.settledQty
	n := it.notional.Sub(it.settledNotional)
	it.settledQty = it.state.FilledQty
	it.settledNotional = it.notional
	return qty, n
}

type trackKind int

const (
	trackOpen trackKind = iota
	trackClose
)

// orderTrack owns the lifecycle of one strategy order or one position close.
type orderTrack struct {
	mu         sync.Mutex
	kind       trackKind
	rec        models.OrderRecord
	intents    []*intentTrack
	unwinds    []*intentTrack
	positionID string
	riskVaR    float64
	sector     string
	terminal   bool
	lateFills  int
	notify     chan struct{}
}

func newOrderTrack(kind trackKind, o models.StrategyOrder, now time.Time) *orderTrack {
	return &orderTrack{
		kind:   kind,
		rec:    models.OrderRecord{Order: o, Status: models.OrderPending, UpdatedAt: now},
		notify: make(chan struct{}, 1),
	}
}

func (t *orderTrack) poke() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// recordLocked refreshes and copies the externally visible record.
func (t *orderTrack) recordLocked(now time.Time) models.OrderRecord {
	t.rec.Intents = t.rec.Intents[:0]
	for _, it := range t.intents {
		t.rec.Intents = append(t.rec.Intents, it.state)
	}
	t.rec.Unwinds = t.rec.Unwinds[:0]
	for _, it := range t.unwinds {
		t.rec.Unwinds = append(t.rec.Unwinds, it.state)
	}
	t.rec.UpdatedAt = now

	cp := t.rec
	cp.Intents = append([]models.IntentState(nil), t.rec.Intents...)
	cp.Unwinds = append([]models.IntentState(nil), t.rec.Unwinds...)
	return cp
}

// keyRef locates the intent an idempotency key belongs to.
type keyRef struct {
	track  *orderTrack
	intent *intentTrack
	unwind bool
}
