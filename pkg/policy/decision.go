package policy

import "fmt"

// Decision is the oracle's verdict for one (target, action) pair.
type Decision int

const (
	Deny Decision = iota
	Allow
	RequireHumanConfirmation
)

func (d Decision) String() string {
	switch d {
	case Deny:
		return "DENY"
	case Allow:
		return "ALLOW"
	case RequireHumanConfirmation:
		return "REQUIRE_HUMAN_CONFIRMATION"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Result carries the decision, a human-readable reason and the rule that
// produced it.
type Result struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	Rule     string   `json:"rule"`
}

func deny(rule, format string, args ...any) Result {
	return Result{Decision: Deny, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Target describes the UI element an action would touch. Any accessor
// error makes the oracle deny.
type Target interface {
	Role() (string, error)
	Label() (string, error)
	Application() (string, error)
}

// Descriptor is a plain Target.
type Descriptor struct {
	RoleName string `json:"role"`
	Name     string `json:"label"`
	App      string `json:"application"`
}

func (d Descriptor) Role() (string, error)        { return d.RoleName, nil }
func (d Descriptor) Label() (string, error)       { return d.Name, nil }
func (d Descriptor) Application() (string, error) { return d.App, nil }
