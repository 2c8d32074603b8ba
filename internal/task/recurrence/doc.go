// Package recurrence provides the recurrence policies used by the task engine:
// one-shot, fixed interval and cron, plus wrappers for a not-before date, a run
// limit and a startup spread.
package recurrence
