// Package scheduler computes digest trigger times and runs one timed loop per
// subscription.
//
// The package has two layers:
//   - Schedule / NextTrigger / NextN / Window: pure evaluation of a declarative
//     schedule (weekly, daily multi-slot, lookback, explicit range)
//   - Scheduler: a cancellable loop that sleeps until the next trigger and
//     invokes a RunFunc with the slot that fired
package scheduler
