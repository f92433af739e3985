package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ZeroDTE/internal/domain/models"
	domrepo "ZeroDTE/internal/domain/repository"
	pkgch "ZeroDTE/pkg/clickhouse"
	applogger "ZeroDTE/pkg/logger"
)

// AuditSchema returns the DDL for the audit tables in db. Every row keeps the full record as
// JSON next to the columns used for filtering.
func AuditSchema(db string) []string {
	return []string{
		fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.signals (
			ts DateTime64(3, 'UTC'),
			id String,
			symbol LowCardinality(String),
			bias LowCardinality(String),
			confidence Float64,
			regime LowCardinality(String),
			degraded UInt8,
			payload String
		) ENGINE = MergeTree ORDER BY (symbol, ts)
		TTL toDateTime(ts) + INTERVAL 90 DAY`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.risk_decisions (
			ts DateTime64(3, 'UTC'),
			order_id String,
			signal_id String,
			symbol LowCardinality(String),
			action LowCardinality(String),
			original_qty Int32,
			approved_qty Int32,
			reason String,
			payload String
		) ENGINE = MergeTree ORDER BY (symbol, ts)
		TTL toDateTime(ts) + INTERVAL 90 DAY`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.breaker_transitions (
			ts DateTime64(3, 'UTC'),
			from_level LowCardinality(String),
			to_level LowCardinality(String),
			kind LowCardinality(String),
			symbol String,
			detail String,
			payload String
		) ENGINE = MergeTree ORDER BY ts`, db),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.orders (
			ts DateTime64(3, 'UTC'),
			order_id String,
			symbol LowCardinality(String),
			strategy LowCardinality(String),
			status LowCardinality(String),
			position_id String,
			error String,
			payload String
		) ENGINE = ReplacingMergeTree(ts) ORDER BY (order_id, ts)`, db),
	}
}

// CHAuditStore writes audit records to ClickHouse. Writes are append-only; the latest order
// row per order_id is the current one.
type CHAuditStore struct {
	ch *pkgch.Client
	db string
	l  *applogger.Logger
}

func NewCHAuditStore(ch *pkgch.Client, l *applogger.Logger) *CHAuditStore {
	return &CHAuditStore{ch: ch, db: ch.Database(), l: l}
}

var _ domrepo.AuditStore = (*CHAuditStore)(nil)

func (s *CHAuditStore) InitSchema(ctx context.Context) error {
	return s.ch.InitSchema(ctx, AuditSchema(s.db))
}

func (s *CHAuditStore) SaveSignal(ctx context.Context, sig models.Signal) error {
	return s.insert(ctx, "signals",
		[]string{"ts", "id", "symbol", "bias", "confidence", "regime", "degraded", "payload"},
		sig,
		sig.Timestamp, sig.ID, sig.Symbol, string(sig.Bias), sig.Confidence, sig.Regime.String(), boolByte(sig.Degraded),
	)
}

func (s *CHAuditStore) SaveDecision(ctx context.Context, d models.RiskDecision) error {
	return s.insert(ctx, "risk_decisions",
		[]string{"ts", "order_id", "signal_id", "symbol", "action", "original_qty", "approved_qty", "reason", "payload"},
		d,
		d.Timestamp, d.OrderID, d.SignalID, d.Symbol, string(d.Action), int32(d.OriginalQty), int32(d.ApprovedQty), d.Reason,
	)
}

func (s *CHAuditStore) SaveBreakerTransition(ctx context.Context, t models.BreakerTransition) error {
	return s.insert(ctx, "breaker_transitions",
		[]string{"ts", "from_level", "to_level", "kind", "symbol", "detail", "payload"},
		t,
		t.At, t.From.String(), t.To.String(), string(t.Event.Kind), t.Event.Symbol, t.Event.Detail,
	)
}

func (s *CHAuditStore) SaveOrder(ctx context.Context, rec models.OrderRecord) error {
	return s.insert(ctx, "orders",
		[]string{"ts", "order_id", "symbol", "strategy", "status", "position_id", "error", "payload"},
		rec,
		rec.UpdatedAt, rec.Order.ID, rec.Order.Symbol, string(rec.Order.Type), string(rec.Status), rec.PositionID, rec.Error,
	)
}

// insert appends record as the trailing payload column after the given values.
func (s *CHAuditStore) insert(ctx context.Context, table string, cols []string, record interface{}, values ...interface{}) error {
	start := time.Now()
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s: %w", table, err)
	}
	args := append(values, string(payload))
	q := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
		s.db, table, strings.Join(cols, ", "), placeholders(len(cols)))
	if err := s.ch.Exec(ctx, q, args...); err != nil {
		if s.l != nil {
			s.l.Error("clickhouse audit insert failed",
				applogger.String("table", table),
				applogger.Error(err),
			)
		}
		return fmt.Errorf("insert %s: %w", table, err)
	}
	if s.l != nil {
		s.l.Debug("clickhouse audit insert ok",
			applogger.String("table", table),
			applogger.Duration("duration", time.Since(start)),
		)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
