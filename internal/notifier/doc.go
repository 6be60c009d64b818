// Package notifier delivers finished editions.
//
// A Service fans one Delivery out to its channels (Telegram, email). Every
// target is attempted independently; a failing chat or recipient is logged
// and recorded in the history, and never fails the run that produced the
// edition. Deliveries are not retried.
//
// # Telegram
//
// The Telegram channel sends a short HTML summary (the first three headlines
// of each section) followed by the full edition as a document. Sends share
// one token-bucket limiter. The same bot also implements logx.Sender so
// warnings can be mirrored to an operator chat.
//
// # History
//
// The service keeps a small in-memory history of recent delivery results for
// the status server.
package notifier
