package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseShellPermission(t *testing.T) {
	tests := []struct {
		in      string
		want    ShellPermission
		wantErr bool
	}{
		{"", ShellNone, false},
		{"none", ShellNone, false},
		{"Restricted", ShellRestricted, false},
		{" standard ", ShellStandard, false},
		{"full", ShellFull, false},
		{"root", ShellNone, true},
	}
	for _, tt := range tests {
		got, err := ParseShellPermission(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidInput, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestAgentIdentityYAML(t *testing.T) {
	src := `
id: analyst
name: Analyst
capabilities: [stats, nba]
system_prompt: You crunch numbers.
route:
  endpoint: local
  model: qwen2.5
  max_tokens: 2048
  shell_permission: restricted
`
	var identity AgentIdentity
	require.NoError(t, yaml.Unmarshal([]byte(src), &identity))

	assert.Equal(t, "analyst", identity.ID)
	assert.Equal(t, []string{"stats", "nba"}, identity.Capabilities)
	assert.Equal(t, "local", identity.Route.Endpoint)
	assert.Equal(t, 2048, identity.Route.MaxTokens)
	assert.Equal(t, ShellRestricted, identity.Route.ShellPermission)
}

func TestAgentIdentityPresence(t *testing.T) {
	identity := AgentIdentity{ID: "scout", Capabilities: []string{"search"}}
	p := identity.Presence()

	assert.Equal(t, "scout", p.ID)
	assert.Equal(t, "scout", p.Name, "name falls back to id")

	p.Capabilities[0] = "mutated"
	assert.Equal(t, "search", identity.Capabilities[0], "presence must not alias the identity")
}
