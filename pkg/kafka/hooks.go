package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// ConsumerHook runs around every handler call. BeforeHandle may replace the context and
// payload; an error from it skips the handler and counts as a failed attempt.
type ConsumerHook interface {
	BeforeHandle(ctx context.Context, m kafka.Message) (context.Context, []byte, error)
	AfterHandle(ctx context.Context, m kafka.Message, err error)
}

type NoopHook struct{}

func (NoopHook) BeforeHandle(ctx context.Context, m kafka.Message) (context.Context, []byte, error) {
	return ctx, m.Value, nil
}

func (NoopHook) AfterHandle(context.Context, kafka.Message, error) {}

// HookFuncs adapts plain functions; nil functions are no-ops.
type HookFuncs struct {
	Before func(context.Context, kafka.Message) (context.Context, []byte, error)
	After  func(context.Context, kafka.Message, error)
}

func (h HookFuncs) BeforeHandle(ctx context.Context, m kafka.Message) (context.Context, []byte, error) {
	if h.Before == nil {
		return ctx, m.Value, nil
	}
	return h.Before(ctx, m)
}

func (h HookFuncs) AfterHandle(ctx context.Context, m kafka.Message, err error) {
	if h.After != nil {
		h.After(ctx, m, err)
	}
}

// HookError classifies a failure raised by a hook.
type HookError struct {
	Code string
	Err  error
}

func (e *HookError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *HookError) Unwrap() error { return e.Err }

type ctxKey string

const ctxTraceID ctxKey = "kafka_trace_id"

// TraceHook copies the trace_id header into the handler context.
func TraceHook() ConsumerHook {
	return HookFuncs{Before: func(ctx context.Context, m kafka.Message) (context.Context, []byte, error) {
		for _, h := range m.Headers {
			if h.Key == "trace_id" && len(h.Value) > 0 {
				ctx = context.WithValue(ctx, ctxTraceID, string(h.Value))
			}
		}
		return ctx, m.Value, nil
	}}
}

func TraceID(ctx context.Context) string {
	s, _ := ctx.Value(ctxTraceID).(string)
	return s
}

// RejectEmpty fails messages without a payload before they reach the handler.
func RejectEmpty() ConsumerHook {
	return HookFuncs{Before: func(ctx context.Context, m kafka.Message) (context.Context, []byte, error) {
		if len(m.Value) == 0 {
			return ctx, nil, &HookError{Code: "ERR_EMPTY", Err: fmt.Errorf("empty payload at offset %d", m.Offset)}
		}
		return ctx, m.Value, nil
	}}
}

// Chain applies hooks in order before the handler and in reverse order after it.
type Chain []ConsumerHook

func (c Chain) BeforeHandle(ctx context.Context, m kafka.Message) (context.Context, []byte, error) {
	data := m.Value
	for _, h := range c {
		var err error
		m.Value = data
		ctx, data, err = h.BeforeHandle(ctx, m)
		if err != nil {
			return ctx, nil, err
		}
	}
	return ctx, data, nil
}

func (c Chain) AfterHandle(ctx context.Context, m kafka.Message, err error) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].AfterHandle(ctx, m, err)
	}
}
