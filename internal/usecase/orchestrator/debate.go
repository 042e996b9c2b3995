package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
)

const (
	minDebaters = 2
	maxDebaters = 4
	minRounds   = 1
	maxRounds   = 5
)

// DebateRequest starts a round-robin debate.
type DebateRequest struct {
	From     string   `json:"from"`
	ThreadID string   `json:"thread_id"`
	Topic    string   `json:"topic"`
	Agents   []string `json:"agents"`
	Rounds   int      `json:"rounds"`
}

// DebateTurn is one resolved speaking turn. A blocked speaker still
// resolves its turn; Text then carries the reason.
type DebateTurn struct {
	Round   int    `json:"round"`
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
	Blocked bool   `json:"blocked,omitempty"`
}

// DebateResult is the outcome of a debate. Failure is empty when every turn
// completed.
type DebateResult struct {
	ThreadID   string       `json:"thread_id"`
	Turns      []DebateTurn `json:"turns"`
	Transcript string       `json:"transcript"`
	Failure    string       `json:"failure,omitempty"`
}

// Completed reports whether every scheduled turn resolved.
func (r *DebateResult) Completed() bool { return r.Failure == "" }

// Validate checks participant and round bounds.
func (r DebateRequest) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("%w: debate topic is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(r.ThreadID) == "" {
		return fmt.Errorf("%w: debate thread id is required", domain.ErrInvalidInput)
	}
	if n := len(r.Agents); n < minDebaters || n > maxDebaters {
		return fmt.Errorf("%w: debate needs %d-%d agents, got %d", domain.ErrInvalidInput, minDebaters, maxDebaters, n)
	}
	seen := make(map[string]bool, len(r.Agents))
	for _, a := range r.Agents {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("%w: empty agent id", domain.ErrInvalidInput)
		}
		if seen[a] {
			return fmt.Errorf("%w: agent %q listed twice", domain.ErrInvalidInput, a)
		}
		seen[a] = true
	}
	if r.Rounds < minRounds || r.Rounds > maxRounds {
		return fmt.Errorf("%w: rounds must be %d-%d, got %d", domain.ErrInvalidInput, minRounds, maxRounds, r.Rounds)
	}
	return nil
}

// FacilitateDebate runs Rounds rounds in which every agent speaks once, in
// list order, on one shared debate thread. Each turn waits for the speaker's
// done or blocked reply before the next is dispatched; a blocked reply is
// recorded as "[blocked] reason" and the debate moves on. The first turn
// timeout ends the debate and the partial transcript is returned with
// Failure set. The error is non-nil only for invalid requests and context
// cancellation.
func (c *Coordinator) FacilitateDebate(ctx context.Context, req DebateRequest) (*DebateResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	started := c.now()
	threadID := domain.DebateThreadID(req.ThreadID, req.Agents)
	res := &DebateResult{ThreadID: threadID}
	transcript := newTranscript(req)
	var history strings.Builder

	logger := c.logger.With("thread_id", threadID)
	logger.Info("debate started", "agents", strings.Join(req.Agents, ","), "rounds", req.Rounds)

	total := len(req.Agents) * req.Rounds
	turn := 0
	var runErr error

debate:
	for round := 1; round <= req.Rounds; round++ {
		transcript.round(round)
		for i, speaker := range req.Agents {
			turn++
			prev := req.Agents[(i+len(req.Agents)-1)%len(req.Agents)]
			prompt := debatePrompt(req, round, turn, total, prev, history.String())

			spoken, failure, err := c.debateTurn(ctx, req.From, threadID, speaker, round, prompt)
			if err != nil {
				runErr = err
				res.Failure = fmt.Sprintf("Debate ended early: %s did not finish round %d (%v).", speaker, round, err)
				break debate
			}
			if failure != "" {
				res.Failure = failure
				break debate
			}

			res.Turns = append(res.Turns, spoken)
			transcript.turn(speaker, spoken.Text)
			fmt.Fprintf(&history, "%s (round %d): %s\n\n", speaker, round, spoken.Text)
		}
	}

	if res.Failure != "" {
		transcript.failure(res.Failure)
		logger.Warn("debate ended early", "reason", res.Failure, "turns", len(res.Turns))
	} else {
		logger.Info("debate finished", "turns", len(res.Turns))
	}
	res.Transcript = transcript.String()

	rec := domain.CoordinationRecord{
		ID:         domain.NewID(),
		Kind:       domain.KindDebate,
		ThreadID:   threadID,
		StartedAt:  started,
		FinishedAt: c.now(),
		Outcome:    "completed",
	}
	if res.Failure != "" {
		rec.Outcome = res.Failure
	}
	for _, t := range res.Turns {
		status := domain.StatusDone
		if t.Blocked {
			status = domain.StatusBlocked
		}
		rec.Entries = append(rec.Entries, domain.CoordinationEntry{AgentID: t.AgentID, Status: status, Text: t.Text})
	}
	c.record(ctx, rec)

	return res, runErr
}

// debateTurn dispatches one prompt and waits for its reply. failure is the
// note that ends the debate when the speaker could not be reached or timed
// out.
func (c *Coordinator) debateTurn(ctx context.Context, from, threadID, speaker string, round int, prompt string) (turn DebateTurn, failure string, err error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.debate_turn")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("orchestrator.agent_id", speaker),
		tracer.StringAttr("orchestrator.thread_id", threadID),
		tracer.IntAttr("orchestrator.round", round),
	)

	dispatched := c.now()
	ack, err := c.bridge.Send(ctx, domain.OutboundMessage{
		From:     from,
		To:       speaker,
		ThreadID: threadID,
		Payload:  domain.NewAssign(speaker, prompt),
	})
	if err != nil {
		tracer.RecordError(span, err)
		return turn, fmt.Sprintf("Debate ended early: could not reach %s in round %d: %v.", speaker, round, err), nil
	}

	w := waitSpec{threadID: threadID, from: speaker, timeout: c.cfg.TurnTimeout}
	if ack != nil && ack.MessageID != "" {
		w.afterID = ack.MessageID
	} else {
		w.since = dispatched
	}

	_, env, err := c.awaitLifecycle(ctx, w)
	switch {
	case errors.Is(err, domain.ErrTimeout):
		tracer.RecordError(span, err)
		return turn, fmt.Sprintf("Debate ended early: %s timed out after %v in round %d.", speaker, c.cfg.TurnTimeout, round), nil
	case err != nil:
		tracer.RecordError(span, err)
		return turn, "", err
	}

	turn = DebateTurn{Round: round, AgentID: speaker, Text: env.Text}
	if env.Type == domain.TypeBlocked {
		turn.Blocked = true
		turn.Text = "[blocked] " + blockedReason(env)
		span.SetAttributes(tracer.BoolAttr("orchestrator.blocked", true))
	}
	tracer.SetOK(span)
	return turn, "", nil
}

// debatePrompt builds the role prompt for one turn. turn counts from 1
// across the whole debate.
func debatePrompt(req DebateRequest, round, turn, total int, prev, history string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are taking part in a structured debate.\nTopic: %s\nParticipants: %s\nRound %d of %d.\n\n",
		req.Topic, strings.Join(req.Agents, ", "), round, req.Rounds)

	switch {
	case turn == 1:
		b.WriteString("You are giving the opening statement. State your position clearly and give your strongest arguments.")
	case turn == total:
		fmt.Fprintf(&b, "Debate so far:\n%s", history)
		fmt.Fprintf(&b, "You have the final turn. Rebut %s's latest argument, then give your closing statement summarising your position.", prev)
	default:
		fmt.Fprintf(&b, "Debate so far:\n%s", history)
		fmt.Fprintf(&b, "Respond to %s's latest argument. Rebut their points directly and strengthen your own position.", prev)
	}
	b.WriteString("\n\nReply with your argument only.")
	return b.String()
}

// transcript accumulates the Markdown rendering of a debate.
type transcript struct {
	b strings.Builder
}

func newTranscript(req DebateRequest) *transcript {
	t := &transcript{}
	fmt.Fprintf(&t.b, "# Debate: %s\n\n", req.Topic)
	fmt.Fprintf(&t.b, "Participants: %s  \nRounds: %d\n", strings.Join(req.Agents, ", "), req.Rounds)
	return t
}

func (t *transcript) round(n int) { fmt.Fprintf(&t.b, "\n## Round %d\n", n) }

func (t *transcript) turn(agent, text string) {
	fmt.Fprintf(&t.b, "\n**%s:**\n\n%s\n", agent, strings.TrimSpace(text))
}

func (t *transcript) failure(note string) { fmt.Fprintf(&t.b, "\n---\n\n%s\n", note) }

func (t *transcript) String() string { return t.b.String() }
