// Package scheduling sends configured prompts to agents on a recurring
// schedule.
package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/OGODEVO/ex-machina/internal/domain"
)

// Sender is the id scheduled prompts are sent from.
const Sender = "scheduler"

const sendTimeout = 30 * time.Second

// ScheduledPrompt sends Text to Agent on Thread.
type ScheduledPrompt struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" OR duration "30m"
	Agent    string
	Thread   string // defaults to "scheduled::<name>"
	Text     string
	OneShot  bool
}

// ThreadID returns the thread the prompt is sent on.
func (p ScheduledPrompt) ThreadID() string {
	if p.Thread != "" {
		return p.Thread
	}
	return "scheduled::" + p.Name
}

// Entry describes a registered prompt.
type Entry struct {
	Name    string
	Agent   string
	Thread  string
	NextRun time.Time
}

// Scheduler runs prompts on a recurring schedule using cron expressions or durations.
type Scheduler struct {
	cron    *cron.Cron
	bridge  domain.NetworkBridge
	bus     domain.EventBus
	entries map[string]cron.EntryID
	prompts map[string]ScheduledPrompt
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler that delivers through bridge. bus may be nil.
func NewScheduler(bridge domain.NetworkBridge, bus domain.EventBus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		bridge:  bridge,
		bus:     bus,
		entries: make(map[string]cron.EntryID),
		prompts: make(map[string]ScheduledPrompt),
		logger:  logger,
	}
}

// AddPrompt registers a prompt. Names must be unique.
func (s *Scheduler) AddPrompt(p ScheduledPrompt) error {
	if p.Name == "" || p.Agent == "" || p.Text == "" {
		return fmt.Errorf("%w: scheduled prompt needs name, agent and text", domain.ErrInvalidInput)
	}
	schedule, err := parseSchedule(p.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for prompt %q: %w", p.Schedule, p.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[p.Name]; exists {
		return fmt.Errorf("scheduler: prompt %q: %w", p.Name, domain.ErrDuplicate)
	}

	var entryID cron.EntryID
	entryID = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			s.logger.Debug("scheduler stopped, skipping prompt", "prompt", p.Name)
			return
		}
		s.fire(ctx, p)

		if p.OneShot {
			s.Remove(p.Name)
		}
	}))

	s.entries[p.Name] = entryID
	s.prompts[p.Name] = p
	s.logger.Info("prompt scheduled", "name", p.Name, "schedule", p.Schedule, "agent_id", p.Agent)
	return nil
}

// RunNow sends a registered prompt immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	p, ok := s.prompts[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: prompt %q: %w", name, domain.ErrNotFound)
	}
	return s.send(ctx, p)
}

func (s *Scheduler) fire(ctx context.Context, p ScheduledPrompt) {
	start := time.Now()
	if err := s.send(ctx, p); err != nil {
		s.logger.Warn("scheduled prompt failed",
			"prompt", p.Name,
			"agent_id", p.Agent,
			"error", err,
			"duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled prompt sent",
		"prompt", p.Name,
		"agent_id", p.Agent,
		"duration", time.Since(start))
}

func (s *Scheduler) send(ctx context.Context, p ScheduledPrompt) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	ack, err := s.bridge.Send(ctx, domain.OutboundMessage{
		From:     Sender,
		To:       p.Agent,
		ThreadID: p.ThreadID(),
		Payload:  domain.NewChat(p.Text),
	})
	if err != nil {
		return domain.WrapOp("scheduler.send", err)
	}
	if s.bus != nil {
		payload, _ := json.Marshal(map[string]string{"prompt": p.Name, "message_id": ack.MessageID})
		s.bus.Publish(ctx, domain.Event{
			Type:     domain.EventScheduledPrompt,
			AgentID:  p.Agent,
			ThreadID: p.ThreadID(),
			Payload:  payload,
		})
	}
	return nil
}

// Remove unregisters a prompt.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: prompt %q: %w", name, domain.ErrNotFound)
	}
	s.cron.Remove(entryID)
	delete(s.entries, name)
	delete(s.prompts, name)
	s.logger.Info("prompt removed", "name", name)
	return nil
}

// Entries lists registered prompts sorted by name. NextRun is zero until
// the scheduler has started.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.prompts))
	for name, p := range s.prompts {
		out = append(out, Entry{
			Name:    name,
			Agent:   p.Agent,
			Thread:  p.ThreadID(),
			NextRun: s.cron.Entry(s.entries[name]).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
	s.mu.Unlock()

	// Running jobs take s.mu, so wait outside it.
	<-s.cron.Stop().Done()
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// ParseSchedule exposes schedule parsing for config validation.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
