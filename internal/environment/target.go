// Package environment maps logical environment names to concrete backend
// endpoints and credentials, validating everything eagerly before any
// network call is made.
package environment

import (
	"fmt"
	"regexp"
)

// Recognized base environment names.
const (
	BaseDev        = "dev"
	BaseStaging    = "staging"
	BaseProduction = "production"
)

// Target identifies one logical environment, optionally pinned to a build
// version, e.g. "production(abc123)". Immutable once parsed.
type Target struct {
	Base        string
	Version     string
	DisplayName string
}

var targetPattern = regexp.MustCompile(`^([a-z]+)(?:\(([^()\s]+)\))?$`)

// ParseTarget parses a target string of the form "base" or "base(version)".
func ParseTarget(s string) (Target, error) {
	m := targetPattern.FindStringSubmatch(s)
	if m == nil {
		return Target{}, fmt.Errorf("invalid environment target %q (expected \"name\" or \"name(version)\")", s)
	}

	base, version := m[1], m[2]
	switch base {
	case BaseDev, BaseStaging, BaseProduction:
	default:
		return Target{}, fmt.Errorf("unknown environment %q (expected dev, staging, or production)", base)
	}

	display := base
	if version != "" {
		display = fmt.Sprintf("%s(%s)", base, version)
	}

	return Target{Base: base, Version: version, DisplayName: display}, nil
}

// ParseTargets parses a list of target strings, failing on the first invalid
// entry.
func ParseTargets(specs []string) ([]Target, error) {
	targets := make([]Target, 0, len(specs))
	for _, s := range specs {
		t, err := ParseTarget(s)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}
