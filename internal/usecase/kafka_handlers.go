package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ZeroDTE/internal/domain/models"
	domrepo "ZeroDTE/internal/domain/repository"
	mid "ZeroDTE/internal/middleware"
	"ZeroDTE/internal/services/execution"
	"ZeroDTE/internal/services/snapshot"
	pkgkafka "ZeroDTE/pkg/kafka"
	"ZeroDTE/pkg/util"
)

// TicksHandler feeds ticks published by the ingestion collaborator into the realtime pipeline.
// Schema: {symbol, ts, bid, ask, last, size, seq}; ts is epoch s/ms/ns or RFC3339.
type TicksHandler struct {
	topic   string
	pipe    *mid.RealtimePipeline
	metrics domrepo.Metrics
}

func NewTicksHandler(topic string, pipe *mid.RealtimePipeline, metrics domrepo.Metrics) *TicksHandler {
	return &TicksHandler{topic: topic, pipe: pipe, metrics: metrics}
}

func (h *TicksHandler) Topic() string { return h.topic }

type wireTick struct {
	Symbol string          `json:"symbol"`
	TS     json.RawMessage `json:"ts"`
	Bid    float64         `json:"bid"`
	Ask    float64         `json:"ask"`
	Last   float64         `json:"last"`
	Size   float64         `json:"size"`
	Seq    uint64          `json:"seq"`
}

func parseWireTime(raw json.RawMessage) (time.Time, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return util.UnixAuto(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, ok := util.ParseTime(s); ok {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad timestamp %s", string(raw))
}

func (h *TicksHandler) Handle(ctx context.Context, b []byte) error {
	var m wireTick
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return fmt.Errorf("decode tick: %w", err)
	}
	ts, err := parseWireTime(m.TS)
	if err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return fmt.Errorf("decode tick %s: %w", m.Symbol, err)
	}
	h.metrics.RecordLatency("ingest_e2e", time.Since(ts).Seconds())

	err = h.pipe.Process(ctx, models.Tick{
		Symbol:    m.Symbol,
		Timestamp: ts,
		Bid:       m.Bid,
		Ask:       m.Ask,
		Last:      m.Last,
		Size:      m.Size,
		Seq:       m.Seq,
	})
	if err != nil && !errors.Is(err, mid.ErrInvalidTick) && !errors.Is(err, snapshot.ErrUntrackedSymbol) {
		return err
	}
	// malformed ticks are counted by the pipeline and must not be retried
	return nil
}

// VolHandler feeds volatility term-structure readings to the aggregator.
// Schema: {ts, level, front, back}.
type VolHandler struct {
	topic   string
	agg     *snapshot.Aggregator
	metrics domrepo.Metrics
}

func NewVolHandler(topic string, agg *snapshot.Aggregator, metrics domrepo.Metrics) *VolHandler {
	return &VolHandler{topic: topic, agg: agg, metrics: metrics}
}

func (h *VolHandler) Topic() string { return h.topic }

func (h *VolHandler) Handle(ctx context.Context, b []byte) error {
	var m struct {
		TS    json.RawMessage `json:"ts"`
		Level float64         `json:"level"`
		Front float64         `json:"front"`
		Back  float64         `json:"back"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return fmt.Errorf("decode vol reading: %w", err)
	}
	ts, err := parseWireTime(m.TS)
	if err != nil || m.Level <= 0 {
		h.metrics.RecordError("consumer_invalid_vol")
		return nil
	}
	return h.agg.IngestVol(ctx, models.VolReading{Timestamp: ts, Level: m.Level, Front: m.Front, Back: m.Back})
}

// ExecEventsHandler reconciles gateway execution events into the coordinator.
type ExecEventsHandler struct {
	topic   string
	exec    *execution.Coordinator
	metrics domrepo.Metrics
}

func NewExecEventsHandler(topic string, exec *execution.Coordinator, metrics domrepo.Metrics) *ExecEventsHandler {
	return &ExecEventsHandler{topic: topic, exec: exec, metrics: metrics}
}

func (h *ExecEventsHandler) Topic() string { return h.topic }

func (h *ExecEventsHandler) Handle(ctx context.Context, b []byte) error {
	var ev models.ExecutionEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return fmt.Errorf("decode execution event: %w", err)
	}
	if ev.IdempotencyKey == "" {
		h.metrics.RecordError("exec_missing_key")
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return h.exec.HandleEvent(ctx, ev)
}

var (
	_ pkgkafka.MessageHandler = (*TicksHandler)(nil)
	_ pkgkafka.MessageHandler = (*VolHandler)(nil)
	_ pkgkafka.MessageHandler = (*ExecEventsHandler)(nil)
)
