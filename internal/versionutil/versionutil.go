// Package versionutil compares package and application versions using
// semantic versioning, accepting versions with or without a leading "v".
package versionutil

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Normalize returns v in the canonical "vMAJOR.MINOR.PATCH" form semver expects.
// It returns "" when v is not a valid semantic version.
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

func Valid(v string) bool { return Normalize(v) != "" }

// Compare returns -1, 0 or +1. Invalid versions sort before valid ones.
func Compare(a, b string) int {
	return semver.Compare(Normalize(a), Normalize(b))
}

// IsUpgrade reports whether target is strictly newer than current.
func IsUpgrade(current, target string) bool {
	return Valid(target) && Compare(target, current) > 0
}

// Satisfies checks version against a minimum requirement such as ">=4.2" or "4.2.0".
// An empty requirement is always satisfied.
func Satisfies(version, requirement string) (bool, error) {
	requirement = strings.TrimSpace(requirement)
	if requirement == "" {
		return true, nil
	}
	min := strings.TrimSpace(strings.TrimPrefix(requirement, ">="))
	if !Valid(min) {
		return false, fmt.Errorf("invalid version requirement %q", requirement)
	}
	if !Valid(version) {
		return false, fmt.Errorf("invalid version %q", version)
	}
	return Compare(version, min) >= 0, nil
}
