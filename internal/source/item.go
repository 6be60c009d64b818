package source

import (
	"time"
	"unicode/utf8"

	"digestbot/internal/storage"
)

// Item is one normalized post from a source.
type Item struct {
	SourceID    string // "@channel" or feed URL
	SourceTitle string
	ItemID      string
	Timestamp   time.Time
	Text        string
	Link        string

	IsForward   bool
	ForwardFrom string

	Links []string
	Media []Media
}

// Media references an attachment shown in the source post.
type Media struct {
	Type    string
	URL     string
	Caption string
}

// Key is the dedup identity of the item within a subscription.
func (it Item) Key() storage.ItemKey {
	return storage.ItemKey{SourceID: it.SourceID, ItemID: it.ItemID}
}

// Snippet returns at most n runes of the item text.
func (it Item) Snippet(n int) string { return Truncate(it.Text, n) }

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
