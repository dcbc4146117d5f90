// Package auth implements the CLASP authentication hook (§6): a
// validate(token) -> {subject, scopes} contract supplied at router
// construction, plus the scope grammar that gates each op by address
// pattern.
package auth

import (
	"strings"

	"github.com/lumencanvas/clasp-sub005/internal/address"
)

// Action is the capability a Scope grants over addresses matching its
// Pattern. Custom actions are permitted (§6: "custom") as opaque strings.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// Scope is one `action:pattern` grant (§6).
type Scope struct {
	Action  Action
	Pattern address.Pattern
}

// ParseScope parses a single "action:pattern" grant string.
func ParseScope(s string) (Scope, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Scope{}, &InvalidScopeError{Scope: s}
	}
	pat, err := address.ParsePattern(parts[1])
	if err != nil {
		return Scope{}, &InvalidScopeError{Scope: s, Cause: err}
	}
	return Scope{Action: Action(parts[0]), Pattern: pat}, nil
}

// InvalidScopeError reports a malformed "action:pattern" grant.
type InvalidScopeError struct {
	Scope string
	Cause error
}

func (e *InvalidScopeError) Error() string {
	if e.Cause != nil {
		return "auth: invalid scope " + e.Scope + ": " + e.Cause.Error()
	}
	return "auth: invalid scope " + e.Scope
}

func (e *InvalidScopeError) Unwrap() error { return e.Cause }

// Identity is what a successful token validation yields: the subject
// name and the set of scopes it was granted.
type Identity struct {
	Subject string
	Scopes  []Scope
}

// Allows reports whether action against addr is covered by any scope
// held by the identity (§6: "permitted iff at least one scope's action
// covers the op and whose pattern matches the op's address").
func (id Identity) Allows(action Action, addr address.Address) bool {
	for _, sc := range id.Scopes {
		if sc.Action != action {
			continue
		}
		if address.Compile(sc.Pattern).Match(addr) {
			return true
		}
	}
	return false
}

// AllowsPattern reports whether action against every address matching pat
// is covered by some scope (§6: subscriptions/queries are gated by their
// pattern, not by a single address). A scope covers pat when its own
// pattern is at least as broad as pat segment-by-segment: a scope "*"
// absorbs a literal pat segment, a scope "**" absorbs any remaining
// segments, but a pat "**" is only covered by a scope "**" since it can
// expand to any number of segments a single "*" cannot bound.
func (id Identity) AllowsPattern(action Action, pat address.Pattern) bool {
	for _, sc := range id.Scopes {
		if sc.Action != action {
			continue
		}
		if coversSegments(sc.Pattern.Segments(), pat.Segments()) {
			return true
		}
	}
	return false
}

func coversSegments(scope, pat []string) bool {
	si, pi := 0, 0
	for pi < len(pat) {
		if si < len(scope) && scope[si] == "**" {
			return true
		}
		if pat[pi] == "**" {
			return false
		}
		if si >= len(scope) {
			return false
		}
		if scope[si] != "*" && (pat[pi] == "*" || pat[pi] != scope[si]) {
			return false
		}
		si++
		pi++
	}
	for si < len(scope) {
		if scope[si] != "**" {
			return false
		}
		si++
	}
	return true
}

var anyPattern = mustPattern("/**")

func mustPattern(s string) address.Pattern {
	p, err := address.ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Anonymous is the identity used when security is Open (§6): every
// action against every address is permitted.
var Anonymous = Identity{Subject: "anonymous", Scopes: []Scope{
	{Action: ActionRead, Pattern: anyPattern},
	{Action: ActionWrite, Pattern: anyPattern},
	{Action: ActionAdmin, Pattern: anyPattern},
}}

// Validator is the authentication hook contract (§6): validate(token) ->
// {subject, scopes}. Implementations include JWTValidator (bearer
// tokens) and the Open-security AnonymousValidator.
type Validator interface {
	Validate(token string) (Identity, error)
}

// ValidatorFunc adapts a plain function to a Validator.
type ValidatorFunc func(token string) (Identity, error)

func (f ValidatorFunc) Validate(token string) (Identity, error) { return f(token) }

// AnonymousValidator implements Open security (§6): every token, including
// the empty one, resolves to Anonymous.
type AnonymousValidator struct{}

func (AnonymousValidator) Validate(string) (Identity, error) { return Anonymous, nil }
