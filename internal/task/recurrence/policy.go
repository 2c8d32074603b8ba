package recurrence

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/robfig/cron/v3"
)

// Policy decides when a task is due and whether it runs again.
// Every policy in this package is safe for concurrent use.
type Policy interface {
	DueDate() time.Time
	StartDate() time.Time
	RecordRun(at time.Time)
	Executable() bool
}

// Parser accepts both 5-field and 6-field (with seconds) cron specs plus descriptors.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// OncePolicy runs a single time at or after At.
type OncePolicy struct {
	mu   sync.Mutex
	at   time.Time
	done bool
}

func Once(at time.Time) *OncePolicy { return &OncePolicy{at: at} }

func (p *OncePolicy) DueDate() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.at
}

func (p *OncePolicy) StartDate() time.Time { return p.DueDate() }

func (p *OncePolicy) RecordRun(time.Time) {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

func (p *OncePolicy) Executable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.done
}

// IntervalPolicy runs every Every, measured from the end of the previous run.
type IntervalPolicy struct {
	mu    sync.Mutex
	every time.Duration
	due   time.Time
}

// Every returns an interval policy whose first run is due at first.
func Every(every time.Duration, first time.Time) (*IntervalPolicy, error) {
	if every <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return &IntervalPolicy{every: every, due: first}, nil
}

func (p *IntervalPolicy) Interval() time.Duration { return p.every }

func (p *IntervalPolicy) DueDate() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.due
}

func (p *IntervalPolicy) StartDate() time.Time { return p.DueDate() }

func (p *IntervalPolicy) RecordRun(at time.Time) {
	p.mu.Lock()
	p.due = at.Add(p.every)
	p.mu.Unlock()
}

func (p *IntervalPolicy) Executable() bool { return true }

// CronPolicy follows a cron schedule in a fixed location.
type CronPolicy struct {
	mu    sync.Mutex
	expr  string
	sched cron.Schedule
	loc   *time.Location
	due   time.Time
}

// Cron parses expr and computes the first activation strictly after now.
func Cron(expr string, now time.Time, loc *time.Location) (*CronPolicy, error) {
	sched, err := Parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.Local
	}
	due := sched.Next(now.In(loc))
	if due.IsZero() {
		return nil, fmt.Errorf("cron %q never fires", expr)
	}
	return &CronPolicy{expr: expr, sched: sched, loc: loc, due: due}, nil
}

func (p *CronPolicy) Expr() string { return p.expr }

func (p *CronPolicy) DueDate() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.due
}

func (p *CronPolicy) StartDate() time.Time { return p.DueDate() }

// RecordRun moves to the first activation after at. A run that finished before
// its own activation (clock skew) never yields the same activation twice.
func (p *CronPolicy) RecordRun(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	from := at
	if from.Before(p.due) {
		from = p.due
	}
	p.due = p.sched.Next(from.In(p.loc))
}

func (p *CronPolicy) Executable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.due.IsZero()
}

type notBefore struct {
	Policy
	at time.Time
}

// WithNotBefore keeps p from starting before at. Due dates are unchanged.
func WithNotBefore(p Policy, at time.Time) Policy {
	if at.IsZero() {
		return p
	}
	return &notBefore{Policy: p, at: at}
}

func (p *notBefore) StartDate() time.Time {
	s := p.Policy.StartDate()
	if s.Before(p.at) {
		return p.at
	}
	return s
}

type limited struct {
	Policy

	mu   sync.Mutex
	max  int
	runs int
}

// Times stops p after n recorded runs. n <= 0 leaves p unlimited.
func Times(p Policy, n int) Policy {
	if n <= 0 {
		return p
	}
	return &limited{Policy: p, max: n}
}

func (p *limited) RecordRun(at time.Time) {
	p.mu.Lock()
	p.runs++
	p.mu.Unlock()
	p.Policy.RecordRun(at)
}

func (p *limited) Executable() bool {
	p.mu.Lock()
	exhausted := p.runs >= p.max
	p.mu.Unlock()
	return !exhausted && p.Policy.Executable()
}

type spread struct {
	Policy

	mu     sync.Mutex
	offset time.Duration
	ran    bool
}

// WithSpread delays the first run by SpreadOffset(window, tag), so tasks
// registered together do not all start at once.
func WithSpread(p Policy, window time.Duration, tag string) Policy {
	if window <= 0 {
		return p
	}
	return &spread{Policy: p, offset: SpreadOffset(window, tag)}
}

// SpreadOffset is a stable offset in [0, window) derived from tag.
func SpreadOffset(window time.Duration, tag string) time.Duration {
	if window <= 0 {
		return 0
	}
	return time.Duration(xxhash.Sum64String(tag) % uint64(window))
}

func (p *spread) shift(t time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ran {
		return t
	}
	return t.Add(p.offset)
}

func (p *spread) DueDate() time.Time   { return p.shift(p.Policy.DueDate()) }
func (p *spread) StartDate() time.Time { return p.shift(p.Policy.StartDate()) }

func (p *spread) RecordRun(at time.Time) {
	p.mu.Lock()
	p.ran = true
	p.mu.Unlock()
	p.Policy.RecordRun(at)
}
