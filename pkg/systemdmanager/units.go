// Package systemdmanager applies systemd jobs (start, stop, restart, reload)
// to units over D-Bus and waits for the job result.
package systemdmanager

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupported   = errors.New("systemdmanager: unsupported OS (linux only)")
	ErrClosed        = errors.New("systemdmanager: connection is closed")
	ErrUnknownAction = errors.New("systemdmanager: unknown action")
)

// JobError reports a systemd job that finished with a result other than "done".
type JobError struct {
	Action string
	Unit   string
	Result string // canceled, timeout, failed, dependency, skipped
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s: job %s", e.Action, e.Unit, e.Result)
}

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, suf := range []string{".service", ".timer", ".socket", ".target", ".mount", ".path", ".slice", ".scope"} {
		if strings.HasSuffix(name, suf) {
			return name
		}
	}
	return name + ".service"
}

// ValidAction reports whether action is one Do accepts.
func ValidAction(action string) bool {
	switch action {
	case "start", "stop", "restart", "reload":
		return true
	}
	return false
}
