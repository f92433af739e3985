package queue

import (
	"encoding/json"
	"time"
)

type Config struct {
	Workers    int
	RetryLimit int
	// RetryDelay is the first retry delay; each further attempt doubles it.
	RetryDelay time.Duration
	// PollInterval is how often delayed retries are moved back to the ready list.
	PollInterval time.Duration
}

// Message is the stored envelope.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Timestamp time.Time       `json:"ts"`
	LastError string          `json:"last_error,omitempty"`
}

func (c Config) delay(attempt int) time.Duration {
	d := c.RetryDelay
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	return d
}
