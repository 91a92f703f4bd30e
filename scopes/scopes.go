// Package scopes maps the broker's canonical scope names to Google's scope
// strings and back. The mapping is a static allow-list: a tenant requests
// scopes by canonical name, and only mapped names are accepted.
package scopes

import (
	"fmt"
	"strings"
)

// googleScopes maps canonical names to Google scope URLs.
var googleScopes = map[string]string{
	"gmail.send":        "https://www.googleapis.com/auth/gmail.send",
	"gmail.readonly":    "https://www.googleapis.com/auth/gmail.readonly",
	"gmail.full":        "https://mail.google.com/",
	"calendar.readonly": "https://www.googleapis.com/auth/calendar.readonly",
	"calendar.write":    "https://www.googleapis.com/auth/calendar",
	"drive.readonly":    "https://www.googleapis.com/auth/drive.readonly",
	"drive.file":        "https://www.googleapis.com/auth/drive.file",
}

// descriptions holds the human-readable meaning of each canonical scope,
// shown in the dashboard and documentation.
var descriptions = map[string]string{
	"gmail.send":        "Send emails",
	"gmail.readonly":    "Read emails",
	"gmail.full":        "Full Gmail access",
	"calendar.readonly": "Read calendar",
	"calendar.write":    "Read and write calendar",
	"drive.readonly":    "Read Drive files",
	"drive.file":        "Read and write Drive files",
}

// canonicalByProvider is the inverse of googleScopes.
var canonicalByProvider = func() map[string]string {
	m := make(map[string]string, len(googleScopes))
	for name, scope := range googleScopes {
		m[scope] = name
	}
	return m
}()

// InvalidScopeError reports every unrecognized name in a request, not just
// the first, so a tenant can fix the whole request in one pass.
type InvalidScopeError struct {
	Unknown []string
}

func (e *InvalidScopeError) Error() string {
	return fmt.Sprintf("invalid scopes: %s", strings.Join(e.Unknown, ", "))
}

// Resolve maps canonical names to provider scope strings, preserving order.
// It fails with *InvalidScopeError enumerating all unmapped names.
func Resolve(names []string) ([]string, error) {
	resolved := make([]string, 0, len(names))
	var unknown []string
	for _, name := range names {
		scope, ok := googleScopes[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		resolved = append(resolved, scope)
	}
	if len(unknown) > 0 {
		return nil, &InvalidScopeError{Unknown: unknown}
	}
	return resolved, nil
}

// Describe maps a single provider scope string back to its canonical name.
// Unmapped provider scopes pass through unchanged, so a grant containing
// scopes this registry does not know stays representable.
func Describe(providerScope string) string {
	if name, ok := canonicalByProvider[providerScope]; ok {
		return name
	}
	return providerScope
}

// FromGrant parses the space-separated scope string a provider reports as
// granted into canonical names. The provider may grant a superset of what was
// requested or reorder it; unmapped entries pass through as opaque strings.
func FromGrant(grant string) []string {
	fields := strings.Fields(grant)
	names := make([]string, 0, len(fields))
	for _, scope := range fields {
		names = append(names, Describe(scope))
	}
	return names
}

// Description returns the human-readable meaning of a canonical scope name,
// or an empty string for unknown names.
func Description(name string) string {
	return descriptions[name]
}

// Known lists all canonical scope names.
func Known() []string {
	names := make([]string, 0, len(googleScopes))
	for name := range googleScopes {
		names = append(names, name)
	}
	return names
}
