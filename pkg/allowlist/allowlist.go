// Package allowlist restricts which upstream-verified identities may complete
// authentication. An empty allowlist means open access: anyone the IdP
// authenticates is accepted.
package allowlist

import "strings"

type Allowlist struct {
	emails map[string]struct{}
}

// Parse builds an Allowlist from a comma-separated list of email addresses.
// Entries are trimmed and lowercased; empty entries are dropped.
func Parse(raw string) *Allowlist {
	emails := make(map[string]struct{})
	for _, e := range strings.Split(raw, ",") {
		if trimmed := strings.ToLower(strings.TrimSpace(e)); trimmed != "" {
			emails[trimmed] = struct{}{}
		}
	}
	return &Allowlist{emails: emails}
}

// Enabled reports whether any addresses are configured.
func (a *Allowlist) Enabled() bool {
	return len(a.emails) > 0
}

// Allowed reports whether email may complete authentication. When no
// addresses are configured every identity is allowed.
func (a *Allowlist) Allowed(email string) bool {
	if !a.Enabled() {
		return true
	}
	_, ok := a.emails[strings.ToLower(strings.TrimSpace(email))]
	return ok
}
