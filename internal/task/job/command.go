package job

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const maxOutput = 512

// CommandTask runs an external program to completion.
type CommandTask struct {
	*Base

	path    string
	args    []string
	dir     string
	timeout time.Duration
}

type CommandOption func(*CommandTask)

// WithDir sets the working directory of the program.
func WithDir(dir string) CommandOption { return func(c *CommandTask) { c.dir = dir } }

// WithTimeout bounds a single run. Zero means only engine shutdown stops it.
func WithTimeout(d time.Duration) CommandOption { return func(c *CommandTask) { c.timeout = d } }

func Command(name, path string, args []string, opts ...CommandOption) *CommandTask {
	c := &CommandTask{Base: NewBase(name), path: path, args: append([]string(nil), args...)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Unit returns a task that runs "systemctl <action> <unit>".
func Unit(name, action, unit string, opts ...CommandOption) *CommandTask {
	return Command(name, "systemctl", []string{action, unit}, opts...)
}

func (c *CommandTask) String() string {
	return strings.TrimSpace(c.path + " " + strings.Join(c.args, " "))
}

func (c *CommandTask) Run(ctx context.Context) error {
	c.SetProgress(-1)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Dir = c.dir
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		if s := trimOutput(out); s != "" {
			return fmt.Errorf("%s: %w: %s", c.String(), err, s)
		}
		return fmt.Errorf("%s: %w", c.String(), err)
	}
	c.SetProgress(100)
	return nil
}

func trimOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxOutput {
		s = s[len(s)-maxOutput:]
	}
	return s
}
