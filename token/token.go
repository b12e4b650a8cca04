// Package token decodes the identity a client presents when it connects.
package token

import "strings"

// SystemAccount is the email of the internal service account. It may enter
// workspaces that are still being created and gets a longer hung timeout.
const SystemAccount = "system@pooler"

// Extra keys recognised on a token.
const (
	ExtraModel = "model"
	ExtraMode  = "mode"
	ExtraAdmin = "admin"
	ExtraRole  = "role"

	ModelUpgrade = "upgrade"
	ModeBackup   = "backup"
)

// Token is a decoded identity plus the workspace it routes to. It is
// immutable once decoded.
type Token struct {
	Email     string            `json:"email"`
	Workspace string            `json:"workspace"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func (t Token) extra(key string) string {
	if t.Extra == nil {
		return ""
	}
	return t.Extra[key]
}

func (t Token) IsSystem() bool {
	return t.Email == SystemAccount
}

func (t Token) IsAdmin() bool {
	return t.IsSystem() || strings.EqualFold(t.extra(ExtraAdmin), "true")
}

// IsUpgrade reports whether the token belongs to a model upgrade tool.
func (t Token) IsUpgrade() bool {
	return t.extra(ExtraModel) == ModelUpgrade
}

func (t Token) IsBackup() bool {
	return t.extra(ExtraMode) == ModeBackup
}

func (t Token) Role() string {
	return t.extra(ExtraRole)
}

// WorkspaceKey normalises the workspace identifier used as registry key.
func (t Token) WorkspaceKey() string {
	return NormalizeWorkspace(t.Workspace)
}

func NormalizeWorkspace(ws string) string {
	return strings.ToLower(strings.TrimSpace(ws))
}
