package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindOnce:
		return "once"
	default:
		return "unknown"
	}
}

// Spec is a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 2 * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - One-shot: "once" (at startup), "once:2026-01-02T15:04:05Z"
//
// Optional prefixes "cron:", "interval:" and "every:" force the kind.
type Spec struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	At     time.Time // zero for "once" meaning as soon as possible
	Source string    // "cron" | "duration" | "hhmm" | "once"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case low == "once" || low == "once:now":
		return Spec{Kind: KindOnce, Source: "once"}, nil
	case strings.HasPrefix(low, "once:"):
		v := strings.TrimSpace(s[len("once:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return Spec{}, fmt.Errorf("invalid once time %q (use RFC3339 like 2026-01-02T15:04:05Z)", v)
		}
		return Spec{Kind: KindOnce, At: at, Source: "once"}, nil
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return cronSpec(expr)
	case strings.HasPrefix(low, "interval:"), strings.HasPrefix(low, "every:"):
		v := s[strings.IndexByte(s, ':')+1:]
		d, src, err := parseInterval(v)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindInterval, Every: d, Source: src}, nil
	}

	// whitespace or a leading '@' means cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronSpec(s)
	}
	if reHHMM.MatchString(s) {
		d, err := parseHHMM(s)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Spec{Kind: KindInterval, Every: d, Source: "duration"}, nil
	}

	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m' or once:<RFC3339>)",
		raw,
	)
}

func cronSpec(expr string) (Spec, error) {
	if _, err := Parser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Kind: KindCron, Cron: expr, Source: "cron"}, nil
}

// Policy builds a fresh policy for this schedule as seen at now.
// Intervals first fire one interval after now.
func (s Spec) Policy(now time.Time, loc *time.Location) (Policy, error) {
	switch s.Kind {
	case KindCron:
		return Cron(s.Cron, now, loc)
	case KindInterval:
		return Every(s.Every, now.Add(s.Every))
	case KindOnce:
		at := s.At
		if at.IsZero() {
			at = now
		}
		return Once(at), nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %d", s.Kind)
	}
}

// Parse is ParseSchedule followed by Spec.Policy.
func Parse(raw string, now time.Time, loc *time.Location) (Policy, error) {
	spec, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	return spec.Policy(now, loc)
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMM(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
