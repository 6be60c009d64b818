package notifier

import (
	"context"
	"time"

	"digestbot/internal/digest"
)

// Config controls delivery pacing.
type Config struct {
	// RatePerSec caps Telegram sends across all chats.
	RatePerSec int
	// SendTimeout bounds each individual send.
	SendTimeout time.Duration
}

// Delivery is one finished edition and where it should go.
type Delivery struct {
	Subscription string
	Newspaper    *digest.Newspaper
	HTML         []byte
	// HTMLName is the attachment file name.
	HTMLName string
	ChatIDs  []int64
	EmailTo  []string
}

// Channel is one delivery medium.
type Channel interface {
	Name() string
	// Deliver sends d to every target the channel handles and reports a
	// result per target.
	Deliver(ctx context.Context, d Delivery) []Result
}

// Result is the outcome for one target.
type Result struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Err     error  `json:"-"`
}

// HistoryItem is kept for the status server.
type HistoryItem struct {
	At           time.Time `json:"at"`
	Subscription string    `json:"subscription"`
	Channel      string    `json:"channel"`
	Target       string    `json:"target"`
	Error        string    `json:"error,omitempty"`
}
