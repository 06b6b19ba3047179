package config

import (
	"fmt"
	"regexp"
)

// Account is a named agent identity. The daemon treats accounts as opaque
// names; the display label, color, and provider are carried for clients.
type Account struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Color    string `json:"color,omitempty"`
	Provider string `json:"provider,omitempty"`
}

var (
	accountNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)
	hexColorRe    = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

// Providers is the set of recognized launch providers.
var Providers = map[string]bool{
	"claude-code":  true,
	"codex-cli":    true,
	"openhands":    true,
	"gemini-cli":   true,
	"opencode":     true,
	"cursor-agent": true,
}

// ValidAccountName reports whether name matches the account naming rule.
func ValidAccountName(name string) bool {
	return accountNameRe.MatchString(name)
}

// ValidateAccount checks an account definition field by field.
func ValidateAccount(a Account) error {
	if !ValidAccountName(a.Name) {
		return fmt.Errorf("invalid account name %q", a.Name)
	}
	if a.Color != "" && !hexColorRe.MatchString(a.Color) {
		return fmt.Errorf("invalid color %q for account %q", a.Color, a.Name)
	}
	if a.Provider != "" && !Providers[a.Provider] {
		return fmt.Errorf("unknown provider %q for account %q", a.Provider, a.Name)
	}
	return nil
}
