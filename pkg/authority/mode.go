package authority

import (
	"fmt"
	"strings"
)

// Mode is the kernel's current authority level.
type Mode int

const (
	Observer Mode = iota
	Armed
	Executing
)

func (m Mode) String() string {
	switch m {
	case Observer:
		return "OBSERVER"
	case Armed:
		return "ARMED"
	case Executing:
		return "EXECUTING"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode is the inverse of String. It is case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OBSERVER":
		return Observer, nil
	case "ARMED":
		return Armed, nil
	case "EXECUTING":
		return Executing, nil
	}
	return Observer, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if m < Observer || m > Executing {
		return nil, fmt.Errorf("invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

var edges = map[Mode][]Mode{
	Observer:  {Armed},
	Armed:     {Executing, Observer},
	Executing: {Observer},
}

// Allowed reports whether from→to is a legal unforced edge.
func Allowed(from, to Mode) bool {
	for _, m := range edges[from] {
		if m == to {
			return true
		}
	}
	return false
}
