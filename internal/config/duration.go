package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parsing errors.
var (
	ErrInvalidDuration = errors.New("invalid duration format")
	ErrUnknownUnit     = errors.New("unknown duration unit")
)

// ParseDuration accepts Go durations ("90m", "1h30m") and the day/week
// shorthands "90d" and "2w".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidDuration
	}
	if s == "0" {
		return 0, nil
	}
	unit := s[len(s)-1]
	if unit == 'd' || unit == 'w' {
		value, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || value < 0 {
			return 0, ErrInvalidDuration
		}
		day := 24 * time.Hour
		if unit == 'w' {
			return time.Duration(value) * 7 * day, nil
		}
		return time.Duration(value) * day, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		if unit >= '0' && unit <= '9' {
			return 0, ErrInvalidDuration
		}
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, s)
	}
	if d < 0 {
		return 0, ErrInvalidDuration
	}
	return d, nil
}

// Duration is a time.Duration that reads and writes the shorthand form in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string {
	v := time.Duration(d)
	day := 24 * time.Hour
	switch {
	case v == 0:
		return "0"
	case v%(7*day) == 0:
		return fmt.Sprintf("%dw", v/(7*day))
	case v%day == 0:
		return fmt.Sprintf("%dd", v/day)
	}
	return v.String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
