package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// KernelVersion is matched against a profile's requires constraint.
const KernelVersion = "1.0.0"

// Rule effects.
const (
	EffectDeny    = "deny"
	EffectConfirm = "confirm"
)

var (
	ErrInvalidProfile = errors.New("invalid policy profile")
	ErrIncompatible   = errors.New("policy profile incompatible with kernel")
)

const profileSchemaURL = "https://sentinel.schemas.local/policy/profile.schema.json"

//go:embed profile.schema.json
var profileSchema string

var compiledProfileSpec *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(profileSchemaURL, bytes.NewReader([]byte(profileSchema))); err != nil {
		panic(fmt.Sprintf("policy: profile schema load failed: %v", err))
	}
	compiledProfileSpec = c.MustCompile(profileSchemaURL)
}

// Rule is an extra CEL rule. The expression sees app, role, label and
// action (all folded) and must return a bool; true triggers the effect.
type Rule struct {
	Name   string `yaml:"name" json:"name"`
	Expr   string `yaml:"expr" json:"expr"`
	Effect string `yaml:"effect" json:"effect"`
}

// Profile is the oracle's configuration.
type Profile struct {
	Name             string   `yaml:"name" json:"name"`
	Version          string   `yaml:"version,omitempty" json:"version,omitempty"`
	Requires         string   `yaml:"requires,omitempty" json:"requires,omitempty"`
	AllowedApps      []string `yaml:"allowed_apps" json:"allowed_apps"`
	DeniedRoles      []string `yaml:"denied_roles,omitempty" json:"denied_roles,omitempty"`
	TextRoleMarkers  []string `yaml:"text_role_markers,omitempty" json:"text_role_markers,omitempty"`
	HighRiskKeywords []string `yaml:"high_risk_keywords,omitempty" json:"high_risk_keywords,omitempty"`
	Rules            []Rule   `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// DefaultProfile is the built-in desktop profile.
func DefaultProfile() Profile {
	return Profile{
		Name:             "default",
		Version:          "1.0.0",
		AllowedApps:      []string{"google-chrome", "firefox", "libreoffice", "gedit"},
		DeniedRoles:      []string{"terminal", "password text", "alert", "dialog"},
		TextRoleMarkers:  []string{"text", "entry"},
		HighRiskKeywords: []string{"delete", "remove", "format", "erase", "sudo", "settings"},
	}
}

// LoadProfile reads a YAML profile, validates it against the embedded
// schema and checks kernel compatibility. Omitted lists fall back to the
// defaults, except allowed_apps which is required.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

func ParseProfile(data []byte) (Profile, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Profile{}, fmt.Errorf("%w: yaml: %v", ErrInvalidProfile, err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if err := compiledProfileSpec.Validate(inst); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	def := DefaultProfile()
	if p.DeniedRoles == nil {
		p.DeniedRoles = def.DeniedRoles
	}
	if p.TextRoleMarkers == nil {
		p.TextRoleMarkers = def.TextRoleMarkers
	}
	if p.HighRiskKeywords == nil {
		p.HighRiskKeywords = def.HighRiskKeywords
	}
	if err := CheckCompatibility(p, KernelVersion); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// CheckCompatibility enforces the profile's requires constraint against
// the given kernel version. An empty constraint accepts any version.
func CheckCompatibility(p Profile, kernelVersion string) error {
	if p.Requires == "" {
		return nil
	}
	c, err := semver.NewConstraint(p.Requires)
	if err != nil {
		return fmt.Errorf("%w: requires %q: %v", ErrInvalidProfile, p.Requires, err)
	}
	v, err := semver.NewVersion(kernelVersion)
	if err != nil {
		return fmt.Errorf("kernel version %q: %w", kernelVersion, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: profile %s requires %s, kernel is %s", ErrIncompatible, p.Name, p.Requires, kernelVersion)
	}
	return nil
}
