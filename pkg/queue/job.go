package queue

import (
	"context"
	"encoding/json"
)

// Job handles one message type. Handle receives the payload exactly as it was enqueued.
type Job interface {
	Type() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	Kind string
	Fn   func(ctx context.Context, payload json.RawMessage) error
}

func (j JobFunc) Type() string { return j.Kind }

func (j JobFunc) Handle(ctx context.Context, payload json.RawMessage) error { return j.Fn(ctx, payload) }
