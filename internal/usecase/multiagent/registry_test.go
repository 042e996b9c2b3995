package multiagent

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/OGODEVO/ex-machina/internal/adapter/bridge"
	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/usecase"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// echoLLM answers with the last prompt line, prefixed by its name.
type echoLLM struct {
	name string
	mu   sync.Mutex
	seen []string
}

func (m *echoLLM) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1].Content
	m.mu.Lock()
	m.seen = append(m.seen, last)
	m.mu.Unlock()
	return &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: m.name + " heard " + last},
	}, nil
}

func (m *echoLLM) Name() string { return "echo" }

type noTools struct{}

func (noTools) Schemas() []domain.ToolSchema                    { return nil }
func (noTools) Execute(context.Context, domain.ToolCall) string { return "Error: no tools" }

func makeAgent(b domain.NetworkBridge, id, name string) *usecase.Agent {
	return usecase.NewAgent(usecase.AgentDeps{
		Identity: domain.AgentIdentity{ID: id, Name: name, Route: domain.ModelRoute{Endpoint: "local", Model: "test"}},
		LLM:      &echoLLM{name: id},
		Tools:    noTools{},
		Bridge:   b,
		Logger:   testLogger(),
	})
}

func newBridge(t *testing.T) *bridge.Memory {
	t.Helper()
	b := bridge.NewMemory(bridge.MemoryConfig{}, testLogger())
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry("support", testLogger())
	if err := r.Register(makeAgent(newBridge(t), "support", "Support Agent")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Get("support")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID() != "support" {
		t.Errorf("ID = %q, want %q", got.ID(), "support")
	}
}

func TestRegistryDuplicate(t *testing.T) {
	b := newBridge(t)
	r := NewRegistry("support", testLogger())
	if err := r.Register(makeAgent(b, "support", "Support Agent")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(makeAgent(b, "support", "Other")); err != domain.ErrDuplicate {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	r := NewRegistry("support", testLogger())
	if _, err := r.Get("nonexistent"); err != domain.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Default(); err != domain.ErrNotFound {
		t.Errorf("expected ErrNotFound for missing default, got %v", err)
	}
}

func TestRegistryDefault(t *testing.T) {
	b := newBridge(t)

	r := NewRegistry("main", testLogger())
	r.Register(makeAgent(b, "helper", "Helper"))
	r.Register(makeAgent(b, "main", "Main Agent"))
	got, err := r.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if got.ID() != "main" {
		t.Errorf("Default = %q, want main", got.ID())
	}

	implicit := NewRegistry("", testLogger())
	implicit.Register(makeAgent(b, "first", ""))
	implicit.Register(makeAgent(b, "second", ""))
	got, err = implicit.Default()
	if err != nil || got.ID() != "first" {
		t.Errorf("implicit default = %v, %v; want first", got, err)
	}
}

func TestRegistryResolve(t *testing.T) {
	b := newBridge(t)
	r := NewRegistry("", testLogger())
	r.Register(makeAgent(b, "analyst-1", "Analyst"))

	for _, name := range []string{"analyst-1", "ANALYST-1", "analyst", "Analyst"} {
		a, err := r.Resolve(name)
		if err != nil || a.ID() != "analyst-1" {
			t.Errorf("Resolve(%q) = %v, %v", name, a, err)
		}
	}
	if _, err := r.Resolve("nobody"); err != domain.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryListSorted(t *testing.T) {
	b := newBridge(t)
	r := NewRegistry("", testLogger())
	r.Register(makeAgent(b, "zed", "Zed"))
	r.Register(makeAgent(b, "amy", ""))

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "amy" || list[1].ID != "zed" {
		t.Errorf("order = %s, %s", list[0].ID, list[1].ID)
	}
	if list[0].Name != "amy" {
		t.Errorf("Name should fall back to id, got %q", list[0].Name)
	}
	if list[1].Model != "test" || list[1].Endpoint != "local" {
		t.Errorf("route not reported: %+v", list[1])
	}
}

func TestRegistryRemove(t *testing.T) {
	b := newBridge(t)
	r := NewRegistry("", testLogger())
	r.Register(makeAgent(b, "a", ""))
	r.Register(makeAgent(b, "b", ""))

	if err := r.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := r.Remove("a"); err != domain.ErrNotFound {
		t.Errorf("second Remove = %v, want ErrNotFound", err)
	}
	if got := r.Agents(); len(got) != 1 || got[0].ID() != "b" {
		t.Errorf("Agents after remove = %v", got)
	}
}

func TestRegistryStartAll(t *testing.T) {
	b := newBridge(t)
	r := NewRegistry("", testLogger())
	r.Register(makeAgent(b, "a", ""))
	r.Register(makeAgent(b, "b", ""))

	stop, err := r.StartAll(context.Background())
	if err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	online, _ := b.ListOnlineAgents(context.Background())
	if len(online) != 2 {
		t.Fatalf("online = %v", online)
	}

	stop()
	r.Close()
	online, _ = b.ListOnlineAgents(context.Background())
	if len(online) != 0 {
		t.Errorf("agents still online after stop: %v", online)
	}
}

func TestRegistryStartAllRollsBack(t *testing.T) {
	b := newBridge(t)
	// Someone else already holds "b".
	if _, err := b.SubscribeInbox(context.Background(), domain.OnlineAgent{ID: "b"}, func(context.Context, domain.InboundMessage) {}); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry("", testLogger())
	r.Register(makeAgent(b, "a", ""))
	r.Register(makeAgent(b, "b", ""))

	if _, err := r.StartAll(context.Background()); err == nil {
		t.Fatal("expected duplicate subscription error")
	}
	online, _ := b.ListOnlineAgents(context.Background())
	var ids []string
	for _, o := range online {
		ids = append(ids, o.ID)
	}
	if strings.Join(ids, ",") != "b" {
		t.Errorf("online = %v, want only the foreign b", ids)
	}
}
