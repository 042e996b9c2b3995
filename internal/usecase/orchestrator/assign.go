package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
)

// Assignment is one unit of work handed to a worker agent.
type Assignment struct {
	AgentID      string `json:"agent_id"`
	Instructions string `json:"instructions"`
	Round        int    `json:"round,omitempty"` // <= 0 means 1
}

// AssignmentResult is how one assignment resolved.
type AssignmentResult struct {
	AgentID  string `json:"agent_id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status"` // domain.StatusDone, StatusBlocked or StatusTimedOut
	Text     string `json:"text"`
}

// AssignTasks dispatches every assignment on its peer thread under
// mainThreadID and collects the outcomes. Assignments run concurrently and
// the call returns once each has finished, been blocked, or timed out. A
// failure in one assignment never affects another. Results keep the input
// order.
func (c *Coordinator) AssignTasks(ctx context.Context, from, mainThreadID string, assignments []Assignment) []AssignmentResult {
	started := c.now()
	results := make([]AssignmentResult, len(assignments))

	var wg sync.WaitGroup
	for i, a := range assignments {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.runAssignment(ctx, from, mainThreadID, a)
		}()
	}
	wg.Wait()

	rec := domain.CoordinationRecord{
		ID:         domain.NewID(),
		Kind:       domain.KindAssign,
		ThreadID:   mainThreadID,
		StartedAt:  started,
		FinishedAt: c.now(),
		Outcome:    assignOutcome(results),
	}
	for _, r := range results {
		rec.Entries = append(rec.Entries, domain.CoordinationEntry{AgentID: r.AgentID, Status: r.Status, Text: r.Text})
	}
	c.record(ctx, rec)
	return results
}

func (c *Coordinator) runAssignment(ctx context.Context, from, mainThreadID string, a Assignment) AssignmentResult {
	threadID := domain.PeerThreadID(mainThreadID, from, a.AgentID, a.Round)
	res := AssignmentResult{AgentID: a.AgentID, ThreadID: threadID}

	ctx, span := tracer.StartSpan(ctx, "orchestrator.assign")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("orchestrator.agent_id", a.AgentID),
		tracer.StringAttr("orchestrator.thread_id", threadID),
	)

	logger := c.logger.With("agent_id", a.AgentID, "thread_id", threadID)

	ack, err := c.bridge.Send(ctx, domain.OutboundMessage{
		From:     from,
		To:       a.AgentID,
		ThreadID: threadID,
		Payload:  domain.NewAssign(a.AgentID, a.Instructions),
	})
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn("assignment dispatch failed", "error", err)
		res.Status = domain.StatusBlocked
		res.Text = fmt.Sprintf("could not deliver assignment: %v", err)
		return res
	}
	logger.Debug("assignment dispatched")

	w := waitSpec{threadID: threadID, from: a.AgentID, timeout: c.cfg.AssignTimeout}
	if ack != nil {
		w.afterID = ack.MessageID
	}
	_, env, err := c.awaitLifecycle(ctx, w)
	switch {
	case errors.Is(err, domain.ErrTimeout):
		res.Status = domain.StatusTimedOut
		res.Text = fmt.Sprintf("timed out after %v", c.cfg.AssignTimeout)
		logger.Warn("assignment timed out", "timeout", c.cfg.AssignTimeout)
	case err != nil:
		res.Status = domain.StatusTimedOut
		res.Text = fmt.Sprintf("stopped waiting: %v", err)
		tracer.RecordError(span, err)
	case env.Type == domain.TypeDone:
		res.Status = domain.StatusDone
		res.Text = env.Text
		tracer.SetOK(span)
		logger.Info("assignment done")
	default:
		res.Status = domain.StatusBlocked
		res.Text = blockedReason(env)
		logger.Info("assignment blocked", "reason", res.Text)
	}
	span.SetAttributes(tracer.StringAttr("orchestrator.status", res.Status))
	return res
}

// FormatResults renders one line per assignment for the orchestrating
// agent's LLM.
func FormatResults(results []AssignmentResult) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		switch r.Status {
		case domain.StatusDone:
			lines = append(lines, fmt.Sprintf("✅ %s: %s", r.AgentID, r.Text))
		case domain.StatusBlocked:
			lines = append(lines, fmt.Sprintf("⛔ %s blocked: %s", r.AgentID, r.Text))
		default:
			lines = append(lines, fmt.Sprintf("⏱️ %s %s", r.AgentID, r.Text))
		}
	}
	return strings.Join(lines, "\n")
}

func assignOutcome(results []AssignmentResult) string {
	var done, blocked, timedOut int
	for _, r := range results {
		switch r.Status {
		case domain.StatusDone:
			done++
		case domain.StatusBlocked:
			blocked++
		default:
			timedOut++
		}
	}
	return fmt.Sprintf("%d done, %d blocked, %d timed out", done, blocked, timedOut)
}
