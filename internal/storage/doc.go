// Package storage is the durable run history and dedup state.
//
// It records:
//   - runs (one per pipeline execution, running -> completed|failed)
//   - processed items per subscription, so an item is digested at most once
//   - a small source metadata cache (channel/feed titles)
package storage
