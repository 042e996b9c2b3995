package usecase

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

// ContextBuilder constructs the prompt message array for one task.
type ContextBuilder struct {
	systemPrompt string
	model        string
	maxTokens    int
	temperature  float64
	window       int
	now          func() time.Time
}

// NewContextBuilder creates a context builder for an agent identity. window
// is the number of prior thread messages included in each prompt.
func NewContextBuilder(identity domain.AgentIdentity, window int, temperature float64) *ContextBuilder {
	if window <= 0 {
		window = 10
	}
	return &ContextBuilder{
		systemPrompt: identity.SystemPrompt,
		model:        identity.Route.Model,
		maxTokens:    identity.Route.MaxTokens,
		temperature:  temperature,
		window:       window,
		now:          time.Now,
	}
}

// Window returns how many prior messages Build includes.
func (cb *ContextBuilder) Window() int { return cb.window }

// Build assembles: system prompt + current time, the recent thread history,
// then the incoming message.
func (cb *ContextBuilder) Build(history []domain.ThreadMessage, msg domain.InboundMessage, tools []domain.ToolSchema) domain.ChatRequest {
	now := cb.now()
	messages := make([]domain.Message, 0, 3)

	system := strings.TrimSpace(cb.systemPrompt)
	if system != "" {
		system += "\n\n"
	}
	system += "Current time: " + now.Format(time.RFC3339)
	messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: system, Timestamp: now})

	if hist := cb.selectHistory(history, msg); len(hist) > 0 {
		messages = append(messages, domain.Message{
			Role:      domain.RoleUser,
			Content:   "Recent messages in this thread:\n" + formatHistory(hist),
			Timestamp: now,
		})
	}

	messages = append(messages, domain.Message{
		Role:      domain.RoleUser,
		Content:   incomingText(msg),
		Timestamp: now,
	})

	return domain.ChatRequest{
		Model:       cb.model,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   cb.maxTokens,
		Temperature: cb.temperature,
	}
}

// selectHistory keeps the messages that precede the one being processed,
// ordered by timestamp, and returns the newest window of them. Messages
// queued behind the current one are not history yet. Messages older than
// the newest checkpoint are already summarised by it and are dropped.
func (cb *ContextBuilder) selectHistory(history []domain.ThreadMessage, msg domain.InboundMessage) []domain.ThreadMessage {
	hist := append([]domain.ThreadMessage(nil), history...)
	sort.SliceStable(hist, func(i, j int) bool { return hist[i].Timestamp.Before(hist[j].Timestamp) })

	cut := -1
	if msg.ID != "" {
		cut = slices.IndexFunc(hist, func(m domain.ThreadMessage) bool { return m.ID == msg.ID })
	}
	switch {
	case cut >= 0:
		hist = hist[:cut]
	case !msg.Timestamp.IsZero():
		hist = slices.DeleteFunc(hist, func(m domain.ThreadMessage) bool { return m.Timestamp.After(msg.Timestamp) })
	}

	for i := len(hist) - 1; i >= 0; i-- {
		if env, ok := domain.DecodeEnvelope(hist[i].Payload); ok && env.Type == domain.TypeCheckpoint {
			hist = hist[i:]
			break
		}
	}
	if len(hist) > cb.window {
		hist = hist[len(hist)-cb.window:]
	}
	return hist
}

func formatHistory(msgs []domain.ThreadMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		if env, ok := domain.DecodeEnvelope(m.Payload); ok && env.Type == domain.TypeCheckpoint {
			fmt.Fprintf(&sb, "[summary of earlier messages] %s\n", env.Text)
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.From, m.Text())
	}
	return sb.String()
}

// incomingText renders the message being processed. Assignments are framed
// as tasks so the model answers with a result rather than a chat reply.
func incomingText(msg domain.InboundMessage) string {
	env := msg.Envelope()
	switch env.Type {
	case domain.TypeAssign:
		return fmt.Sprintf("Task assigned by %s:\n%s", msg.From, env.Text)
	case domain.TypeReview:
		return fmt.Sprintf("Review request from %s:\n%s", msg.From, env.Text)
	default:
		if msg.From == "" {
			return env.Text
		}
		return fmt.Sprintf("%s: %s", msg.From, env.Text)
	}
}
