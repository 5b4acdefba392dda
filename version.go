// version.go: semantic version constraint parsing and matching
//
// Copyright (c) 2025 PlugKit contributors
// SPDX-License-Identifier: MPL-2.0

package plugincore

import (
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// constraintOp identifies the comparison operator of a parsed constraint.
type constraintOp int

const (
	opAny constraintOp = iota // "*": any version
	opExact
	opGreaterEqual
	opLessEqual
	opGreater
	opLess
	opTilde // "~1.2.3": >=1.2.3 and same major.minor
	opCaret // "^1.2.3": >=1.2.3 and same major
)

// versionPattern matches bare semantic versions with optional pre-release
// and build metadata suffixes.
var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.\-]+)?(\+[0-9A-Za-z.\-]+)?$`)

// Constraint is a parsed version requirement against which concrete
// versions can be checked.
//
// Supported grammar:
//   - "*"          any version
//   - "1.2.3"      exact match
//   - ">=1.2.3"    at least
//   - "<=1.2.3"    at most
//   - ">1.2.3"     strictly greater
//   - "<1.2.3"     strictly less
//   - "~1.2.3"     >=1.2.3 with the same major.minor
//   - "^1.2.3"     >=1.2.3 with the same major
type Constraint struct {
	op      constraintOp
	version string // canonical "vX.Y.Z" form, empty for opAny
	raw     string
}

// ParseConstraint parses a constraint expression. Whitespace around the
// operator and version is ignored.
func ParseConstraint(expr string) (Constraint, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" || raw == "*" {
		return Constraint{op: opAny, raw: "*"}, nil
	}

	op := opExact
	rest := raw
	// Two-character operators must be tried before their one-character prefixes.
	switch {
	case strings.HasPrefix(raw, ">="):
		op, rest = opGreaterEqual, raw[2:]
	case strings.HasPrefix(raw, "<="):
		op, rest = opLessEqual, raw[2:]
	case strings.HasPrefix(raw, ">"):
		op, rest = opGreater, raw[1:]
	case strings.HasPrefix(raw, "<"):
		op, rest = opLess, raw[1:]
	case strings.HasPrefix(raw, "~"):
		op, rest = opTilde, raw[1:]
	case strings.HasPrefix(raw, "^"):
		op, rest = opCaret, raw[1:]
	}

	rest = strings.TrimSpace(rest)
	canonical, ok := canonicalVersion(rest)
	if !ok {
		return Constraint{}, NewInvalidConstraintError(expr)
	}
	return Constraint{op: op, version: canonical, raw: raw}, nil
}

// MustParseConstraint is like ParseConstraint but panics on invalid input.
// Intended for constants and tests.
func MustParseConstraint(expr string) Constraint {
	c, err := ParseConstraint(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// SatisfiedBy reports whether the given concrete version satisfies the
// constraint. Invalid versions never satisfy anything but "*".
func (c Constraint) SatisfiedBy(version string) bool {
	if c.op == opAny {
		return true
	}
	v, ok := canonicalVersion(version)
	if !ok {
		return false
	}

	cmp := semver.Compare(v, c.version)
	switch c.op {
	case opExact:
		return cmp == 0
	case opGreaterEqual:
		return cmp >= 0
	case opLessEqual:
		return cmp <= 0
	case opGreater:
		return cmp > 0
	case opLess:
		return cmp < 0
	case opTilde:
		return cmp >= 0 && semver.MajorMinor(v) == semver.MajorMinor(c.version)
	case opCaret:
		return cmp >= 0 && semver.Major(v) == semver.Major(c.version)
	default:
		return false
	}
}

// String returns the original constraint expression.
func (c Constraint) String() string {
	if c.raw == "" {
		return "*"
	}
	return c.raw
}

// IsAny reports whether the constraint matches every version.
func (c Constraint) IsAny() bool {
	return c.op == opAny
}

// IsValidVersion reports whether s is a well-formed semantic version
// (major.minor.patch with optional pre-release and build metadata).
func IsValidVersion(s string) bool {
	_, ok := canonicalVersion(s)
	return ok
}

// CompareVersions compares two semantic versions, returning -1, 0, or +1.
// Invalid versions sort before valid ones.
func CompareVersions(a, b string) int {
	va, okA := canonicalVersion(a)
	vb, okB := canonicalVersion(b)
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	}
	return semver.Compare(va, vb)
}

// canonicalVersion normalizes a bare version string to the "vX.Y.Z" form
// required by the semver package.
func canonicalVersion(s string) (string, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "v")
	if !versionPattern.MatchString(s) {
		return "", false
	}
	v := "v" + s
	if !semver.IsValid(v) {
		return "", false
	}
	return v, true
}
