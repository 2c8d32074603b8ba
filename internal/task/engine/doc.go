// Package engine runs scheduled tasks on a fixed pool of workers.
//
// A Manager owns the workers and a Scheduler. The Scheduler keeps one entry
// per submitted task, a single deadline timer armed for the earliest future
// start date, and a FIFO of entries that were due while every worker was busy.
// Each schedule-check pass re-scans all entries, dispatches due ones in due-date
// order within the concurrency budget, and re-arms the timer.
//
// Lock order is Scheduler.mu, then the pool lock. Workers only take the pool
// lock, and report completions over a channel drained by one collector goroutine.
package engine
