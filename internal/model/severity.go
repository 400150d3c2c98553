package model

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Severity is the ordinal damage class produced by the scorer and declared
// by reviewers.
type Severity int

const (
	SeverityLittleOrNone Severity = 0
	SeverityMild         Severity = 1
	SeveritySevere       Severity = 2
)

// Severities lists every class in ascending order.
var Severities = []Severity{SeverityLittleOrNone, SeverityMild, SeveritySevere}

// Valid reports whether s is one of the three known classes.
func (s Severity) Valid() bool {
	return s >= SeverityLittleOrNone && s <= SeveritySevere
}

// Label returns the reviewer-facing name of the class.
func (s Severity) Label() string {
	switch s {
	case SeverityLittleOrNone:
		return "LITTLE_OR_NONE"
	case SeverityMild:
		return "MILD"
	case SeveritySevere:
		return "SEVERE"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) String() string { return s.Label() }

// ParseSeverity accepts either a class number ("0".."2") or a label
// ("LITTLE_OR_NONE", "MILD", "SEVERE"), case-insensitively.
func ParseSeverity(raw string) (Severity, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	if n, err := strconv.Atoi(v); err == nil {
		s := Severity(n)
		if !s.Valid() {
			return 0, eris.Errorf("model: severity out of range: %d", n)
		}
		return s, nil
	}
	for _, s := range Severities {
		if s.Label() == v {
			return s, nil
		}
	}
	return 0, eris.Errorf("model: unknown severity %q", raw)
}
