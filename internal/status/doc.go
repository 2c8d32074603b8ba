// Package status serves a small read-only HTTP surface over the engine:
// health, the task list, recent runs, Prometheus metrics and optional pprof.
//
// It has no authentication; bind it to localhost.
package status
