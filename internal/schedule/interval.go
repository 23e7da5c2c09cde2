package schedule

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// EnvInterval is the authoritative interval override. Its presence, even
// malformed, short-circuits the persisted interval entirely; the persisted
// value is consulted only when the variable is completely absent.
const EnvInterval = "OPSDASH_BACKUP_INTERVAL"

var reInterval = regexp.MustCompile(`^(\d+)\s*([smhd])?$`)

var unitSeconds = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
}

// ParseInterval parses "<positive-int><unit>" where unit is one of s, m, h, d.
// An omitted unit means hours. Invalid or non-positive input yields 0 with an
// error describing why; it never panics.
func ParseInterval(expr string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(expr))
	if s == "" {
		return 0, fmt.Errorf("interval required")
	}
	m := reInterval.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid interval %q (use forms like \"45s\", \"30m\", \"12h\", \"7d\")", expr)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", expr, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("interval must be > 0, got %d", n)
	}
	unit := m[2]
	if unit == "" {
		unit = "h"
	}
	mult := unitSeconds[unit]
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("interval %q overflows", expr)
	}
	return n * mult, nil
}

// resolvedInterval is the outcome of one interval resolution.
type resolvedInterval struct {
	Seconds      int64
	ManagedByEnv bool
	EnvValue     string
	EnvErr       error
}

// resolveInterval applies the precedence rule: the environment override wins
// whenever present (a malformed value resolves to 0/disabled, never an
// exception); otherwise the persisted interval applies.
func resolveInterval(lookupEnv func(string) (string, bool), envVar string, persisted int64) resolvedInterval {
	raw, present := lookupEnv(envVar)
	if !present {
		if persisted < 0 {
			persisted = 0
		}
		return resolvedInterval{Seconds: persisted}
	}
	secs, err := ParseInterval(raw)
	if err != nil {
		return resolvedInterval{ManagedByEnv: true, EnvValue: raw, EnvErr: err}
	}
	return resolvedInterval{Seconds: secs, ManagedByEnv: true, EnvValue: raw}
}
