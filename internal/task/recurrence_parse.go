package task

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// RecurrenceKind is the normalized kind of a recurrence string.
type RecurrenceKind int

const (
	RecurrenceCron RecurrenceKind = iota
	RecurrencePeriod
)

// RecurrenceSpec is a parsed recurrence string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Period duration: "55m", "2h30m", "250ms"
//   - Period HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces period parsing
type RecurrenceSpec struct {
	Kind   RecurrenceKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var (
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
)

// ParseRecurrence parses spec into a Recurrence.
func ParseRecurrence(spec string) (Recurrence, error) {
	ps, err := ParseRecurrenceSpec(spec)
	if err != nil {
		return nil, err
	}
	return ps.Recurrence()
}

// Recurrence builds the schedule described by ps.
func (ps RecurrenceSpec) Recurrence() (Recurrence, error) {
	if ps.Kind == RecurrencePeriod {
		return Period(ps.Every), nil
	}
	sched, err := cronParser.Parse(ps.Cron)
	if err != nil {
		return nil, fmt.Errorf("task: parse recurrence %q: %w", ps.Cron, err)
	}
	return sched, nil
}

func ParseRecurrenceSpec(raw string) (RecurrenceSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return RecurrenceSpec{}, fmt.Errorf("task: empty recurrence")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return RecurrenceSpec{}, fmt.Errorf("task: cron expression required after 'cron:'")
		}
		return RecurrenceSpec{Kind: RecurrenceCron, Cron: expr, Source: "cron"}, nil
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, src, err := parsePeriod(s[len(p):])
			if err != nil {
				return RecurrenceSpec{}, err
			}
			return RecurrenceSpec{Kind: RecurrencePeriod, Every: d, Source: src}, nil
		}
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return RecurrenceSpec{Kind: RecurrenceCron, Cron: s, Source: "cron"}, nil
	}
	if d, src, err := parsePeriod(s); err == nil {
		return RecurrenceSpec{Kind: RecurrencePeriod, Every: d, Source: src}, nil
	} else if reHHMM.MatchString(s) || looksLikeDuration(s) {
		return RecurrenceSpec{}, err
	}
	return RecurrenceSpec{}, fmt.Errorf(
		"task: invalid recurrence %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func looksLikeDuration(s string) bool {
	_, err := time.ParseDuration(s)
	return err == nil
}

func parsePeriod(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("task: period required")
	}
	src := "duration"
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		src = "hhmm"
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, "", fmt.Errorf("task: invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, "", fmt.Errorf("task: invalid period %q (use HH:MM or a Go duration like '55m')", v)
		}
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("task: recurrence period must be > 0, got %s", d)
	}
	return d, src, nil
}
