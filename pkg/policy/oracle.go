// Package policy implements the authorization oracle: a pure, deny-by-default
// decision over (target, action) that never executes anything.
package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
)

// ActionType is the action that requires a text-entry role.
const ActionType = "type"

type compiledRule struct {
	name   string
	effect string
	prg    cel.Program
}

// Oracle evaluates targets against one immutable profile.
type Oracle struct {
	profile  Profile
	allowed  map[string]bool
	denied   map[string]bool
	markers  []string
	keywords []string
	deny     []compiledRule
	confirm  []compiledRule
	hash     string
}

// NewOracle compiles p. Invalid CEL expressions fail here rather than at
// decision time.
func NewOracle(p Profile) (*Oracle, error) {
	hash, err := canonicalize.CanonicalHash(p)
	if err != nil {
		return nil, fmt.Errorf("policy hash: %w", err)
	}
	o := &Oracle{
		profile:  p,
		allowed:  make(map[string]bool),
		denied:   make(map[string]bool),
		markers:  foldAll(p.TextRoleMarkers),
		keywords: foldAll(p.HighRiskKeywords),
		hash:     hash,
	}
	for _, a := range foldAll(p.AllowedApps) {
		o.allowed[a] = true
	}
	for _, r := range foldAll(p.DeniedRoles) {
		o.denied[r] = true
	}

	if len(p.Rules) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("app", cel.StringType),
			cel.Variable("role", cel.StringType),
			cel.Variable("label", cel.StringType),
			cel.Variable("action", cel.StringType),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL environment: %w", err)
		}
		for _, r := range p.Rules {
			ast, issues := env.Compile(r.Expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("%w: rule %s: compile: %v", ErrInvalidProfile, r.Name, issues.Err())
			}
			if !ast.OutputType().IsExactType(cel.BoolType) {
				return nil, fmt.Errorf("%w: rule %s must return bool", ErrInvalidProfile, r.Name)
			}
			prg, err := env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s: program: %v", ErrInvalidProfile, r.Name, err)
			}
			cr := compiledRule{name: r.Name, effect: r.Effect, prg: prg}
			switch r.Effect {
			case EffectDeny:
				o.deny = append(o.deny, cr)
			case EffectConfirm:
				o.confirm = append(o.confirm, cr)
			default:
				return nil, fmt.Errorf("%w: rule %s: unknown effect %q", ErrInvalidProfile, r.Name, r.Effect)
			}
		}
	}
	return o, nil
}

// Validate decides whether action may be performed on target. The first
// matching step wins:
//
//  1. unidentifiable application: Deny
//  2. application not allow-listed: Deny
//  3. forbidden role: Deny
//  4. typing into a non text-entry role: Deny
//  5. profile deny rules: Deny
//  6. high-risk label keyword: RequireHumanConfirmation
//  7. profile confirm rules: RequireHumanConfirmation
//  8. Allow
//
// Any error or panic while evaluating yields Deny.
func (o *Oracle) Validate(target Target, action string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = deny("internal", "policy internal error: %v", r)
		}
	}()
	if target == nil {
		return deny("identity", "target unavailable")
	}

	rawApp, err := target.Application()
	if err != nil {
		return deny("identity", "application identity unavailable: %v", err)
	}
	app := fold(rawApp)
	if app == "" || app == "unknown" {
		return deny("identity", "application identity unavailable")
	}
	if !o.allowed[app] {
		return deny("allowlist", "unauthorized application: %s", app)
	}

	rawRole, err := target.Role()
	if err != nil {
		return deny("internal", "policy internal error: role: %v", err)
	}
	role := fold(rawRole)
	if role == "" {
		role = "unknown"
	}
	if o.denied[role] {
		return deny("role", "forbidden role: %s", role)
	}

	act := fold(action)
	if act == ActionType && !o.isTextRole(role) {
		return deny("semantic", "semantic violation: type into role '%s'", role)
	}

	rawLabel, err := target.Label()
	if err != nil {
		return deny("internal", "policy internal error: label: %v", err)
	}
	label := fold(rawLabel)
	vars := map[string]any{"app": app, "role": role, "label": label, "action": act}

	for _, r := range o.deny {
		hit, err := evalRule(r, vars)
		if err != nil {
			return deny("rule:"+r.name, "rule %s failed: %v", r.name, err)
		}
		if hit {
			return deny("rule:"+r.name, "denied by rule %s", r.name)
		}
	}

	for _, kw := range o.keywords {
		if strings.Contains(label, kw) {
			return Result{Decision: RequireHumanConfirmation, Rule: "high-risk", Reason: "high-risk label detected: " + kw}
		}
	}

	for _, r := range o.confirm {
		hit, err := evalRule(r, vars)
		if err != nil {
			return deny("rule:"+r.name, "rule %s failed: %v", r.name, err)
		}
		if hit {
			return Result{Decision: RequireHumanConfirmation, Rule: "rule:" + r.name, Reason: "confirmation required by rule " + r.name}
		}
	}

	return Result{Decision: Allow, Rule: "default"}
}

func (o *Oracle) isTextRole(role string) bool {
	for _, m := range o.markers {
		if strings.Contains(role, m) {
			return true
		}
	}
	return false
}

func evalRule(r compiledRule, vars map[string]any) (bool, error) {
	out, _, err := r.prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// PolicyHash is the canonical hash of the active profile. It is recorded
// with every intent so the ledger binds each action to the policy that
// allowed it.
func (o *Oracle) PolicyHash() string { return o.hash }

// Profile returns the active profile.
func (o *Oracle) Profile() Profile { return o.profile }
