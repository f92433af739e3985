package usecase

import (
	"context"
	"time"

	"ZeroDTE/internal/domain/models"
	domrepo "ZeroDTE/internal/domain/repository"
	"ZeroDTE/pkg/logger"
)

// EventSink fans core events out to the publisher and the audit store without blocking the
// caller. Events are queued and written by a single background worker.
type EventSink struct {
	pub     domrepo.EventPublisher
	audit   domrepo.AuditStore
	metrics domrepo.Metrics
	log     *logger.Logger
	timeout time.Duration
	retry   AuditRetrier

	queue chan sinkItem
	done  chan struct{}
}

type sinkItem struct {
	ev     models.CoreEvent
	record interface{}
	write  func(context.Context, domrepo.AuditStore) error
}

// AuditRetrier takes audit records whose write failed so they can be written later.
type AuditRetrier interface {
	Enqueue(ctx context.Context, msgType string, payload interface{}) error
}

type SinkOption func(*EventSink)

func WithSinkBuffer(n int) SinkOption {
	return func(s *EventSink) {
		if n > 0 {
			s.queue = make(chan sinkItem, n)
		}
	}
}

// WithAuditRetry hands failed audit writes to r instead of dropping them.
func WithAuditRetry(r AuditRetrier) SinkOption {
	return func(s *EventSink) { s.retry = r }
}

func WithSinkTimeout(d time.Duration) SinkOption {
	return func(s *EventSink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewEventSink accepts nil publisher or audit store; the missing side is skipped.
func NewEventSink(pub domrepo.EventPublisher, audit domrepo.AuditStore, metrics domrepo.Metrics, log *logger.Logger, opts ...SinkOption) *EventSink {
	s := &EventSink{
		pub:     pub,
		audit:   audit,
		metrics: metrics,
		log:     log,
		timeout: 5 * time.Second,
		queue:   make(chan sinkItem, 1024),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (s *EventSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case it := <-s.queue:
			s.write(context.WithoutCancel(ctx), it)
		case <-ctx.Done():
			for {
				select {
				case it := <-s.queue:
					s.write(context.WithoutCancel(ctx), it)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has flushed and returned.
func (s *EventSink) Wait() { <-s.done }

func (s *EventSink) write(ctx context.Context, it sinkItem) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.pub != nil {
		if err := s.pub.PublishEvent(ctx, it.ev); err != nil {
			s.metrics.RecordError("event_publish")
			s.log.Warn("publish core event failed", logger.String("type", string(it.ev.Type)), logger.String("key", it.ev.Key), logger.Error(err))
		}
	}
	if s.audit != nil && it.write != nil {
		if err := it.write(ctx, s.audit); err != nil {
			s.metrics.RecordError("audit_write")
			s.log.Warn("audit write failed", logger.String("type", string(it.ev.Type)), logger.String("key", it.ev.Key), logger.Error(err))
			if s.retry != nil {
				if qerr := s.retry.Enqueue(ctx, auditJobType(it.ev.Type), it.record); qerr != nil {
					s.metrics.RecordError("audit_retry_enqueue")
					s.log.Error("audit retry enqueue failed", logger.String("type", string(it.ev.Type)), logger.Error(qerr))
				}
			}
		}
	}
}

func (s *EventSink) enqueue(it sinkItem) {
	if it.ev.Timestamp.IsZero() {
		it.ev.Timestamp = time.Now()
	}
	select {
	case s.queue <- it:
	default:
		s.metrics.RecordError("event_queue_full")
		s.log.Warn("core event dropped: queue full", logger.String("type", string(it.ev.Type)), logger.String("key", it.ev.Key))
	}
}

func (s *EventSink) Signal(sig models.Signal) {
	s.enqueue(sinkItem{
		ev:     models.CoreEvent{Type: models.CoreEventSignal, Key: sig.Symbol, Timestamp: sig.Timestamp, Payload: sig},
		record: sig,
		write: func(ctx context.Context, a domrepo.AuditStore) error {
			return a.SaveSignal(ctx, sig)
		},
	})
}

func (s *EventSink) Divergence(ev models.DivergenceEvent) {
	s.enqueue(sinkItem{ev: models.CoreEvent{Type: models.CoreEventDivergence, Key: ev.Pair.String(), Timestamp: ev.Timestamp, Payload: ev}})
}

func (s *EventSink) Regime(from, to models.RegimeState) {
	payload := map[string]interface{}{"from": from.Regime.String(), "to": to.Regime.String(), "state": to}
	s.enqueue(sinkItem{ev: models.CoreEvent{Type: models.CoreEventRegime, Key: "regime", Timestamp: to.Since, Payload: payload}})
}

func (s *EventSink) Decision(d models.RiskDecision) {
	s.enqueue(sinkItem{
		ev:     models.CoreEvent{Type: models.CoreEventDecision, Key: d.Symbol, Timestamp: d.Timestamp, Payload: d},
		record: d,
		write: func(ctx context.Context, a domrepo.AuditStore) error {
			return a.SaveDecision(ctx, d)
		},
	})
}

func (s *EventSink) Breaker(tr models.BreakerTransition) {
	s.enqueue(sinkItem{
		ev:     models.CoreEvent{Type: models.CoreEventBreaker, Key: "breaker", Timestamp: tr.At, Payload: tr},
		record: tr,
		write: func(ctx context.Context, a domrepo.AuditStore) error {
			return a.SaveBreakerTransition(ctx, tr)
		},
	})
}

func (s *EventSink) Order(rec models.OrderRecord) {
	s.enqueue(sinkItem{
		ev:     models.CoreEvent{Type: models.CoreEventOrder, Key: rec.Order.Symbol, Timestamp: rec.UpdatedAt, Payload: rec},
		record: rec,
		write: func(ctx context.Context, a domrepo.AuditStore) error {
			return a.SaveOrder(ctx, rec)
		},
	})
}

func (s *EventSink) Position(p models.Position) {
	s.enqueue(sinkItem{ev: models.CoreEvent{Type: models.CoreEventPosition, Key: p.Symbol, Timestamp: p.MarkedAt, Payload: p}})
}
