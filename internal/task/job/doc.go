// Package job has the concrete tasks taskwarden schedules: in-process functions,
// external commands and systemd unit actions.
package job
