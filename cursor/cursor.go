// Package cursor handles resume cursors for the status event stream: a
// single opaque string marking the last fully processed stream position,
// persisted so a subscriber can resume after a reload or reconnect
// without re-processing already-seen events.
package cursor

import (
	"context"
	"strconv"
	"strings"
)

const (
	// Beginning is the sentinel meaning "replay from the start of the
	// stream". It is the value every unknown or invalid cursor
	// normalizes to, and it is omitted from connection URLs entirely.
	Beginning = "0"

	// OnlyNew is the wildcard meaning "deliver only events that arrive
	// after the subscription is established".
	OnlyNew = "$"
)

// Store persists the resume cursor across process restarts. Callers
// treat a Get failure as "unset" and a Set failure as best-effort; the
// subscription never fails because the cursor store is unavailable.
type Store interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, value string) error
}

// Valid reports whether s is an acceptable cursor: the Beginning
// sentinel, the OnlyNew wildcard, or a composite "major-minor" numeric
// position.
func Valid(s string) bool {
	if s == Beginning || s == OnlyNew {
		return true
	}
	major, minor, ok := splitPosition(s)
	if !ok {
		return false
	}
	return isDigits(major) && isDigits(minor)
}

// Normalize coerces s to a usable cursor: valid values pass through
// unchanged, everything else (empty, garbage) becomes Beginning.
func Normalize(s string) string {
	if Valid(s) {
		return s
	}
	return Beginning
}

// Compare orders two stream positions. It returns -1, 0 or 1 as a is
// older than, equal to, or newer than b. Non-positional cursors (the
// sentinel, the wildcard, invalid strings) compare as oldest, so any
// real position is newer than them.
func Compare(a, b string) int {
	amaj, amin, aok := parsePosition(a)
	bmaj, bmin, bok := parsePosition(b)

	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}

	if amaj != bmaj {
		if amaj < bmaj {
			return -1
		}
		return 1
	}
	if amin != bmin {
		if amin < bmin {
			return -1
		}
		return 1
	}
	return 0
}

func splitPosition(s string) (major, minor string, ok bool) {
	i := strings.IndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func parsePosition(s string) (major, minor uint64, ok bool) {
	ms, ns, split := splitPosition(s)
	if !split {
		return 0, 0, false
	}
	major, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.ParseUint(ns, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
