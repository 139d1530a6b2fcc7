// Package vpath maps logical file identities onto canonical workspace paths.
//
// A logical path has exactly two segments: a tier and a single-segment name,
// e.g. /ephemeral/clip.mp4. Everything in this package is pure; no I/O.
package vpath

import (
	"fmt"
	"strings"
)

// Delimiter separates path segments.
const Delimiter = "/"

// Tier is a storage class of the workspace.
type Tier string

const (
	// Ephemeral is volatile storage, emptied whenever the execution context is rebuilt.
	Ephemeral Tier = "ephemeral"

	// Permanent is durable-backed storage, persisted by an explicit sync.
	Permanent Tier = "permanent"
)

// Tiers lists the recognized tiers in listing order.
var Tiers = []Tier{Ephemeral, Permanent}

// String returns the string representation of the tier.
func (t Tier) String() string {
	return string(t)
}

// Valid reports whether t is a recognized tier.
func (t Tier) Valid() bool {
	switch t {
	case Ephemeral, Permanent:
		return true
	default:
		return false
	}
}

// ParseTier converts a string into a recognized tier.
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	return t, t.Valid()
}

// PathOf returns the canonical path for tier and optional name.
//
// A leading delimiter on name is stripped. With an empty name the tier root
// (e.g. /permanent) is returned.
func PathOf(tier Tier, name string) (string, error) {
	if !tier.Valid() {
		return "", fmt.Errorf("vpath: unknown tier %q", tier)
	}
	p := Delimiter + string(tier)
	name = strings.TrimPrefix(name, Delimiter)
	if name != "" {
		p += Delimiter + name
	}
	return p, nil
}

// MustPathOf is PathOf for tiers known to be valid at compile time.
func MustPathOf(tier Tier, name string) string {
	p, err := PathOf(tier, name)
	if err != nil {
		panic(err)
	}
	return p
}

// Split breaks a supported path into its tier and name.
func Split(path string) (Tier, string, bool) {
	rest, ok := strings.CutPrefix(path, Delimiter)
	if !ok {
		return "", "", false
	}
	tierSeg, name, ok := strings.Cut(rest, Delimiter)
	if !ok || name == "" || strings.Contains(name, Delimiter) {
		return "", "", false
	}
	tier, ok := ParseTier(tierSeg)
	if !ok {
		return "", "", false
	}
	if name == "." || name == ".." {
		return "", "", false
	}
	return tier, name, true
}

// TierOf returns the tier of path, or false if path is not exactly
// /<tier>/<name> with a single-segment name.
func TierOf(path string) (Tier, bool) {
	tier, _, ok := Split(path)
	return tier, ok
}

// IsSupported is the admission check used by every storage operation.
func IsSupported(path string) bool {
	_, ok := TierOf(path)
	return ok
}

// NameOf returns the final segment of path.
func NameOf(path string) string {
	if i := strings.LastIndex(path, Delimiter); i >= 0 {
		return path[i+1:]
	}
	return path
}
