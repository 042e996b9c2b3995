// Package multiagent hosts the agents of one process: lookup by id or
// name, @mention routing, and request helpers for the CLI.
package multiagent

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/usecase"
)

// Registry holds the agents hosted by this process.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*usecase.Agent
	order     []string
	defaultID string
	logger    *slog.Logger
}

// NewRegistry creates a Registry. An empty defaultID makes the first
// registered agent the default.
func NewRegistry(defaultID string, logger *slog.Logger) *Registry {
	return &Registry{
		agents:    make(map[string]*usecase.Agent),
		defaultID: defaultID,
		logger:    logger,
	}
}

// Register adds an agent. Returns ErrDuplicate if the id is taken.
func (r *Registry) Register(a *usecase.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if _, exists := r.agents[id]; exists {
		return domain.ErrDuplicate
	}
	r.agents[id] = a
	r.order = append(r.order, id)
	r.logger.Info("agent registered", "agent_id", id, "name", a.Identity().DisplayName())
	return nil
}

// Get returns the agent with the given id, or ErrNotFound.
func (r *Registry) Get(agentID string) (*usecase.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

// Default returns the default agent.
func (r *Registry) Default() (*usecase.Agent, error) {
	r.mu.RLock()
	id := r.defaultID
	if id == "" && len(r.order) > 0 {
		id = r.order[0]
	}
	r.mu.RUnlock()
	return r.Get(id)
}

// Resolve finds an agent by id or, case-insensitively, by display name.
func (r *Registry) Resolve(name string) (*usecase.Agent, error) {
	if a, err := r.Get(name); err == nil {
		return a, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		a := r.agents[id]
		if strings.EqualFold(a.ID(), name) || strings.EqualFold(a.Identity().DisplayName(), name) {
			return a, nil
		}
	}
	return nil, domain.ErrNotFound
}

// Agents returns the registered agents in registration order.
func (r *Registry) Agents() []*usecase.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*usecase.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// List returns a status snapshot for every registered agent, sorted by ID.
func (r *Registry) List() []domain.AgentStatus {
	agents := r.Agents()
	statuses := make([]domain.AgentStatus, 0, len(agents))
	for _, a := range agents {
		statuses = append(statuses, a.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

// Remove unregisters an agent. Returns ErrNotFound if not present. The
// agent itself is not closed.
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return domain.ErrNotFound
	}
	delete(r.agents, agentID)
	for i, id := range r.order {
		if id == agentID {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("agent removed", "agent_id", agentID)
	return nil
}

// StartAll subscribes every agent's inbox. If one fails, the agents
// already started are unsubscribed again. The returned func unsubscribes
// all of them.
func (r *Registry) StartAll(ctx context.Context) (func(), error) {
	var unsubs []func()
	stop := func() {
		for _, u := range unsubs {
			u()
		}
	}
	for _, a := range r.Agents() {
		unsub, err := a.Start(ctx)
		if err != nil {
			stop()
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}
	return stop, nil
}

// Close stops every agent after its queue drains.
func (r *Registry) Close() {
	var wg sync.WaitGroup
	for _, a := range r.Agents() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Close()
		}()
	}
	wg.Wait()
}
