//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager owns one system bus connection.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Connect opens the system bus. ctx bounds only the initial handshake.
func Connect(ctx context.Context) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Do queues action for unit in "replace" mode and blocks until systemd
// reports the job result or ctx is done.
func (m *Manager) Do(ctx context.Context, action, unit string) error {
	if !ValidAction(action) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	unit = UnitName(unit)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return ErrClosed
	}

	result := make(chan string, 1)
	var err error
	switch action {
	case "start":
		_, err = m.conn.StartUnitContext(ctx, unit, "replace", result)
	case "stop":
		_, err = m.conn.StopUnitContext(ctx, unit, "replace", result)
	case "restart":
		_, err = m.conn.RestartUnitContext(ctx, unit, "replace", result)
	case "reload":
		_, err = m.conn.ReloadUnitContext(ctx, unit, "replace", result)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, unit, err)
	}

	select {
	case res := <-result:
		if res != "done" {
			return &JobError{Action: action, Unit: unit, Result: res}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", action, unit, ctx.Err())
	}
}

// ActiveState returns the unit's ActiveState property (active, inactive, failed, ...).
func (m *Manager) ActiveState(ctx context.Context, unit string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return "", ErrClosed
	}
	prop, err := m.conn.GetUnitPropertyContext(ctx, UnitName(unit), "ActiveState")
	if err != nil {
		return "", err
	}
	s, ok := prop.Value.Value().(string)
	if !ok {
		return "", fmt.Errorf("ActiveState of %s: unexpected type %T", unit, prop.Value.Value())
	}
	return s, nil
}
