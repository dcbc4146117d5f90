// Package address implements the CLASP address and pattern engine (§4.1):
// parsing, validation, and wildcard matching over hierarchical addresses.
package address

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxDepth is the maximum number of segments an address or pattern may have.
	MaxDepth = 64
	// MaxLength is the maximum encoded byte length of an address or pattern.
	MaxLength = 512
)

// Reserved characters that may not appear inside a segment.
const reserved = "/*?[]{}"

// Address is a validated, concrete (wildcard-free) hierarchical identifier.
type Address struct {
	segments []string
	raw      string
}

// Pattern is a validated address shape where segments may be "*" or "**".
type Pattern struct {
	segments []string
	raw      string
}

// InvalidAddressError reports why a string failed to parse as an address
// or pattern.
type InvalidAddressError struct {
	Input  string
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Input, e.Reason)
}

var errEmptyInput = errors.New("address: empty input")

// Segments returns the address's path segments. The returned slice must
// not be mutated by the caller.
func (a Address) Segments() []string { return a.segments }

// String returns the canonical "/a/b/c" form.
func (a Address) String() string { return a.raw }

// Segments returns the pattern's path segments. The returned slice must
// not be mutated by the caller.
func (p Pattern) Segments() []string { return p.segments }

// String returns the canonical "/a/*/**" form.
func (p Pattern) String() string { return p.raw }

// IsConcrete reports whether the pattern contains no wildcard segments,
// i.e. it matches only itself.
func (p Pattern) IsConcrete() bool {
	for _, s := range p.segments {
		if s == "*" || s == "**" {
			return false
		}
	}
	return true
}

// PrefixKey returns the literal segments preceding the first wildcard in
// the pattern. The Subscription Index buckets patterns by this key to
// prune reverse lookups to O(W+P) instead of scanning every subscription.
func (p Pattern) PrefixKey() []string {
	for i, s := range p.segments {
		if s == "*" || s == "**" {
			return p.segments[:i]
		}
	}
	return p.segments
}

func splitSegments(s string) ([]string, error) {
	if s == "" {
		return nil, errEmptyInput
	}
	if len(s) > MaxLength {
		return nil, &InvalidAddressError{Input: s, Reason: "exceeds maximum length"}
	}
	if s[0] != '/' {
		return nil, &InvalidAddressError{Input: s, Reason: "must start with '/'"}
	}
	if strings.HasSuffix(s, "/") && len(s) > 1 {
		return nil, &InvalidAddressError{Input: s, Reason: "trailing '/' not allowed"}
	}
	if s == "/" {
		return nil, &InvalidAddressError{Input: s, Reason: "empty segment"}
	}

	parts := strings.Split(s[1:], "/")
	if len(parts) > MaxDepth {
		return nil, &InvalidAddressError{Input: s, Reason: "exceeds maximum depth"}
	}
	for _, seg := range parts {
		if seg == "" {
			return nil, &InvalidAddressError{Input: s, Reason: "empty segment"}
		}
	}
	return parts, nil
}

func validateConcreteSegment(s, seg string) error {
	for _, r := range seg {
		if r > 127 || r < 0x20 || r == 0x7f {
			return &InvalidAddressError{Input: s, Reason: fmt.Sprintf("segment %q has non-printable-ASCII rune", seg)}
		}
		if strings.ContainsRune(reserved, r) {
			return &InvalidAddressError{Input: s, Reason: fmt.Sprintf("segment %q contains reserved character %q", seg, string(r))}
		}
	}
	return nil
}

// ParseAddress validates s as a concrete, wildcard-free address.
func ParseAddress(s string) (Address, error) {
	parts, err := splitSegments(s)
	if err != nil {
		return Address{}, normalizeErr(s, err)
	}
	for _, seg := range parts {
		if seg == "*" || seg == "**" {
			return Address{}, &InvalidAddressError{Input: s, Reason: "wildcards not allowed in a concrete address"}
		}
		if err := validateConcreteSegment(s, seg); err != nil {
			return Address{}, err
		}
	}
	return Address{segments: parts, raw: s}, nil
}

// ParsePattern validates s as a subscription pattern; segments may be the
// literal "*" (exactly one segment) or "**" (zero or more segments).
// "**" is accepted in any position (leading, inner, or final); multiple
// "**" tokens are permitted.
func ParsePattern(s string) (Pattern, error) {
	parts, err := splitSegments(s)
	if err != nil {
		return Pattern{}, normalizeErr(s, err)
	}
	for i, seg := range parts {
		switch seg {
		case "*":
			continue
		case "**":
			// Permitted anywhere; "between literal segments or terminal"
			// is automatically satisfied by left-to-right backtracking
			// matching below regardless of position, so no positional
			// restriction needs to be enforced beyond basic shape.
			_ = i
			continue
		default:
			if err := validateConcreteSegment(s, seg); err != nil {
				return Pattern{}, err
			}
		}
	}
	return Pattern{segments: parts, raw: s}, nil
}

func normalizeErr(s string, err error) error {
	if err == errEmptyInput {
		return &InvalidAddressError{Input: s, Reason: "empty input"}
	}
	return err
}

// Matches reports whether pattern matches address, per §4.1: "*" matches
// exactly one non-empty segment, "**" matches zero or more segments and
// consumes greedily left-to-right with backtracking so that multiple "**"
// tokens and trailing literals still resolve correctly.
func Matches(pattern Pattern, addr Address) bool {
	return matchSegments(pattern.segments, addr.segments)
}

func matchSegments(pat, addr []string) bool {
	// Standard glob-over-segments matcher with backtracking on "**",
	// equivalent in structure to shell globbing over path components.
	var pi, ai int
	var starPi, starAi int = -1, -1

	for ai < len(addr) {
		if pi < len(pat) && pat[pi] == "**" {
			starPi = pi
			starAi = ai
			pi++
			continue
		}
		if pi < len(pat) && (pat[pi] == "*" || pat[pi] == addr[ai]) {
			pi++
			ai++
			continue
		}
		if starPi != -1 {
			starAi++
			ai = starAi
			pi = starPi + 1
			continue
		}
		return false
	}

	for pi < len(pat) && pat[pi] == "**" {
		pi++
	}
	return pi == len(pat)
}

// Matcher is a precompiled form of Pattern optimized for repeated reverse
// matching against many addresses (the Subscription Index's hot path).
type Matcher struct {
	pattern Pattern
}

// Compile precompiles pattern for repeated use.
func Compile(pattern Pattern) *Matcher {
	return &Matcher{pattern: pattern}
}

// Match reports whether addr matches the compiled pattern.
func (m *Matcher) Match(addr Address) bool {
	return matchSegments(m.pattern.segments, addr.segments)
}

// Pattern returns the underlying pattern.
func (m *Matcher) Pattern() Pattern { return m.pattern }
