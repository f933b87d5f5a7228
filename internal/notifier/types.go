package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Workers       int
	QueueSize     int // per worker
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

type HistoryItem struct {
	At     time.Time
	UserID int64
	Text   string
	Error  string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	UserID  int64     `json:"user_id"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
}
