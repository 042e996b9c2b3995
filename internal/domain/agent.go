package domain

import (
	"fmt"
	"strings"
)

// ShellPermission is the level of shell access granted to an agent.
type ShellPermission string

const (
	ShellNone       ShellPermission = ""           // no shell access
	ShellRestricted ShellPermission = "restricted" // read-only allowlist
	ShellStandard   ShellPermission = "standard"   // configured allowlist
	ShellFull       ShellPermission = "full"       // any command
)

// ParseShellPermission validates a configured permission level.
func ParseShellPermission(s string) (ShellPermission, error) {
	switch p := ShellPermission(strings.ToLower(strings.TrimSpace(s))); p {
	case ShellNone, "none":
		return ShellNone, nil
	case ShellRestricted, ShellStandard, ShellFull:
		return p, nil
	default:
		return ShellNone, fmt.Errorf("%w: unknown shell permission %q", ErrInvalidInput, s)
	}
}

// ModelRoute selects the LLM endpoint and limits used by one agent.
type ModelRoute struct {
	Endpoint        string          `json:"endpoint"                   yaml:"endpoint"`
	Model           string          `json:"model"                      yaml:"model"`
	MaxTokens       int             `json:"max_tokens,omitempty"       yaml:"max_tokens,omitempty"`
	ShellPermission ShellPermission `json:"shell_permission,omitempty" yaml:"shell_permission,omitempty"`
}

// AgentIdentity describes a named agent. Built once at startup and never
// mutated afterwards.
type AgentIdentity struct {
	ID           string     `json:"id"                     yaml:"id"`
	Name         string     `json:"name"                   yaml:"name"`
	Capabilities []string   `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	SystemPrompt string     `json:"system_prompt"          yaml:"system_prompt"`
	Route        ModelRoute `json:"route"                  yaml:"route"`
}

// DisplayName returns Name, falling back to ID.
func (a AgentIdentity) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Presence converts the identity into the record other agents see online.
func (a AgentIdentity) Presence() OnlineAgent {
	return OnlineAgent{
		ID:           a.ID,
		Name:         a.DisplayName(),
		Capabilities: append([]string(nil), a.Capabilities...),
	}
}

// OnlineAgent is an agent currently reachable through the network bridge.
type OnlineAgent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AgentStatus is a read-only snapshot of a running agent instance.
type AgentStatus struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	Draining  bool   `json:"draining"`
	Pending   int    `json:"pending"`
	Processed int64  `json:"processed"`
}
