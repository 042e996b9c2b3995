package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

const compactSystemPrompt = `You are a conversation summarizer. Given part of a multi-agent thread, produce a concise summary that preserves:
- Key facts, decisions, and conclusions
- Which agent said or decided what
- Assigned tasks and their outcomes
- Any pending tasks or questions

Output ONLY the summary, no preamble. Be concise but comprehensive.`

const compactPageSize = 100

// CompactorConfig controls checkpoint generation.
type CompactorConfig struct {
	AgentID  string // sender of checkpoint messages
	Model    string
	MaxInput int // messages folded into one checkpoint
}

// Compactor answers compaction signals by summarising the overdue part of
// a thread into a checkpoint message.
type Compactor struct {
	llm    domain.LLMProvider
	bridge domain.NetworkBridge
	bus    domain.EventBus
	cfg    CompactorConfig
	logger *slog.Logger
}

// NewCompactor creates a compactor. bus may be nil.
func NewCompactor(llm domain.LLMProvider, bridge domain.NetworkBridge, bus domain.EventBus, cfg CompactorConfig, logger *slog.Logger) *Compactor {
	if cfg.MaxInput <= 0 {
		cfg.MaxInput = 200
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "compactor"
	}
	return &Compactor{llm: llm, bridge: bridge, bus: bus, cfg: cfg, logger: logger}
}

// HandleSignal is a domain.SystemHandler.
func (c *Compactor) HandleSignal(ctx context.Context, sig domain.CompactionSignal) {
	if err := c.Compact(ctx, sig); err != nil {
		c.logger.Warn("compaction failed", "thread_id", sig.ThreadID, "error", err)
	}
}

// Compact writes one checkpoint covering messages after the latest
// checkpoint, leaving the newest KeepTailMessages untouched. At most
// MaxInput messages are folded per call; the rest wait for the next signal.
func (c *Compactor) Compact(ctx context.Context, sig domain.CompactionSignal) error {
	from, to, ok := sig.Range()
	if !ok {
		return nil
	}
	if to-from+1 > c.cfg.MaxInput {
		to = from + c.cfg.MaxInput - 1
	}

	msgs, err := c.fetch(ctx, sig.ThreadID, sig.MessageCount)
	if err != nil {
		return domain.WrapOp("compact", err)
	}
	if to > len(msgs) {
		to = len(msgs)
	}
	if to < from {
		return nil
	}

	var sb strings.Builder
	if prev := latestCheckpoint(msgs[:to]); prev != "" {
		fmt.Fprintf(&sb, "Summary so far:\n%s\n\nNew messages:\n", prev)
	}
	for _, m := range msgs[from-1 : to] {
		if env, ok := domain.DecodeEnvelope(m.Payload); ok && env.Type == domain.TypeCheckpoint {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.From, m.Text())
	}
	if strings.TrimSpace(sb.String()) == "" {
		return nil
	}

	resp, err := c.llm.Chat(ctx, domain.ChatRequest{
		Model: c.cfg.Model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: compactSystemPrompt},
			{Role: domain.RoleUser, Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return domain.WrapOp("compact", err)
	}
	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return nil
	}

	if _, err := c.bridge.Send(ctx, domain.OutboundMessage{
		From:     c.cfg.AgentID,
		ThreadID: sig.ThreadID,
		Payload:  domain.NewCheckpoint(from, to, summary),
	}); err != nil {
		return domain.WrapOp("compact", err)
	}

	c.logger.Info("thread compacted", "thread_id", sig.ThreadID, "from", from, "to", to)
	publishEvent(c.bus, ctx, domain.EventCheckpointWritten, c.cfg.AgentID, sig.ThreadID, map[string]int{"from": from, "to": to})
	return nil
}

// fetch pages backwards until it has the first n messages of the thread in
// chronological order.
func (c *Compactor) fetch(ctx context.Context, threadID string, n int) ([]domain.ThreadMessage, error) {
	var pages [][]domain.ThreadMessage
	total := 0
	cursor := ""
	for {
		page, err := c.bridge.GetThreadMessages(ctx, threadID, domain.ThreadQuery{Limit: compactPageSize, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		pages = append(pages, page.Messages)
		total += len(page.Messages)
		if page.NextCursor == "" || len(page.Messages) == 0 {
			break
		}
		cursor = page.NextCursor
	}

	all := make([]domain.ThreadMessage, 0, total)
	for i := len(pages) - 1; i >= 0; i-- {
		all = append(all, pages[i]...)
	}
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func latestCheckpoint(msgs []domain.ThreadMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if env, ok := domain.DecodeEnvelope(msgs[i].Payload); ok && env.Type == domain.TypeCheckpoint {
			return env.Text
		}
	}
	return ""
}
