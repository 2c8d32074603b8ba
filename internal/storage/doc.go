// Package storage keeps the run journal: one record per finished task run.
//
// The schedule itself is never persisted; tasks come from the config on start.
package storage
