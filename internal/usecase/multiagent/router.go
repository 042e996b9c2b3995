package multiagent

import (
	"io"
	"log/slog"
	"strings"
)

// discardLogger returns a no-op logger for routers created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseMention splits "@name rest" into name and rest. ok is false when
// text does not start with a mention.
func ParseMention(text string) (name, rest string, ok bool) {
	content := strings.TrimSpace(text)
	if !strings.HasPrefix(content, "@") {
		return "", content, false
	}
	name, rest, _ = strings.Cut(content[1:], " ")
	if name == "" {
		return "", content, false
	}
	return name, strings.TrimSpace(rest), true
}

// PrefixRouter picks the target agent from an @name prefix. Messages
// without a prefix, or naming an unknown agent, go to the default agent.
type PrefixRouter struct {
	registry *Registry
	logger   *slog.Logger
}

// NewPrefixRouter creates a router over registry. logger may be nil.
func NewPrefixRouter(registry *Registry, logger *slog.Logger) *PrefixRouter {
	if logger == nil {
		logger = discardLogger()
	}
	return &PrefixRouter{registry: registry, logger: logger}
}

// Route returns the target agent id and the text to deliver. A matched
// prefix is stripped from the text.
func (r *PrefixRouter) Route(text string) (agentID, body string, err error) {
	if name, rest, ok := ParseMention(text); ok {
		if a, err := r.registry.Resolve(name); err == nil {
			r.logger.Debug("prefix matched agent", "prefix", name, "agent_id", a.ID())
			return a.ID(), rest, nil
		}
		r.logger.Debug("unknown prefix, routing to default", "prefix", name)
	}
	a, err := r.registry.Default()
	if err != nil {
		return "", "", err
	}
	return a.ID(), strings.TrimSpace(text), nil
}
