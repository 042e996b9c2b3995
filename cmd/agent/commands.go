package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/OGODEVO/ex-machina/internal/adapter/ledger"
	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/config"
	"github.com/OGODEVO/ex-machina/internal/usecase/multiagent"
	"github.com/OGODEVO/ex-machina/internal/usecase/orchestrator"
)

// withApp builds and starts the app, runs fn, then tears everything down.
func withApp(fn func(ctx context.Context, app *App) error) error {
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.close()

	app, err := buildApp(env.ctx, env.cfg, env.log)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := signal.NotifyContext(env.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	stop, err := app.Start(ctx)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer stop()

	return fn(ctx, app)
}

func runAgents() error {
	return withApp(func(ctx context.Context, app *App) error {
		return showAgents(ctx, os.Stdout, app)
	})
}

func showAgents(ctx context.Context, w io.Writer, app *App) error {
	online, err := app.Bridge.ListOnlineAgents(ctx)
	if err != nil {
		return fmt.Errorf("list online agents: %w", err)
	}
	printAgents(w, app.Agents.List(), online)
	return nil
}

func runThreads(args []string) error {
	flags, _ := parseFlags(args, "thread", "limit")
	limit, err := intFlag(flags, "limit", 50)
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, app *App) error {
		if id := flags["thread"]; id != "" {
			return showThread(ctx, os.Stdout, app.Bridge, id, limit)
		}
		return showThreads(ctx, os.Stdout, app.Bridge)
	})
}

func showThreads(ctx context.Context, w io.Writer, b domain.NetworkBridge) error {
	threads, err := b.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	printThreads(w, threads)
	return nil
}

func showThread(ctx context.Context, w io.Writer, b domain.NetworkBridge, threadID string, limit int) error {
	page, err := b.GetThreadMessages(ctx, threadID, domain.ThreadQuery{Limit: limit})
	if err != nil {
		return fmt.Errorf("thread %s: %w", threadID, err)
	}
	fmt.Fprintln(w, styleHeader.Render("Thread "+threadID))
	for _, m := range page.Messages {
		env, _ := domain.DecodeEnvelope(m.Payload)
		label := string(env.Type)
		if label == "" {
			label = string(domain.TypeChat)
		}
		fmt.Fprintf(w, "  %s %s %s %s\n",
			styleDim.Render(m.Timestamp.Local().Format("15:04:05")),
			styleAgent.Render(m.From),
			styleMuted.Render("["+label+"]"),
			m.Text(),
		)
	}
	if page.NextCursor != "" {
		fmt.Fprintln(w, styleDim.Render("  (older messages not shown)"))
	}
	return nil
}

// runRuns reads the ledger directly; no agents are started.
func runRuns(args []string) error {
	flags, _ := parseFlags(args, "limit")
	limit, err := intFlag(flags, "limit", 20)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.Ledger.Enabled {
		return errors.New("ledger is disabled (set ledger.enabled: true)")
	}
	l, err := ledger.OpenSQLite(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer l.Close()

	recs, err := l.Recent(context.Background(), limit)
	if err != nil {
		return err
	}
	printRecords(os.Stdout, recs)
	return nil
}

func runAsk(args []string) error {
	flags, rest := parseFlags(args, "thread", "timeout")
	text := strings.TrimSpace(strings.Join(rest, " "))
	if text == "" {
		return errors.New("usage: ex-machina ask [@agent] message")
	}
	timeout, err := durationFlag(flags, "timeout")
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, app *App) error {
		return ask(ctx, os.Stdout, app.Broker, flags["thread"], text, timeout)
	})
}

func ask(ctx context.Context, w io.Writer, broker *multiagent.Broker, threadID, text string, timeout time.Duration) error {
	resp, err := broker.Ask(ctx, multiagent.AskRequest{
		ThreadID: threadID,
		Text:     text,
		Timeout:  timeout,
	})
	if err != nil {
		return err
	}
	printAgentReply(w, resp.AgentID, resp.Content)
	return nil
}

func runDebate(args []string) error {
	flags, rest := parseFlags(args, "agents", "rounds", "thread")
	topic := strings.TrimSpace(strings.Join(rest, " "))
	if topic == "" || flags["agents"] == "" {
		return errors.New("usage: ex-machina debate --agents a,b [--rounds N] [--thread ID] topic")
	}
	rounds, err := intFlag(flags, "rounds", 1)
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, app *App) error {
		return debate(ctx, os.Stdout, app, flags["thread"], topic, splitList(flags["agents"]), rounds)
	})
}

func debate(ctx context.Context, w io.Writer, app *App, threadID, topic string, names []string, rounds int) error {
	if threadID == "" {
		threadID = multiagent.DefaultThread
	}
	agents := make([]string, 0, len(names))
	for _, n := range names {
		// Local agents may be named by display name; anything else is
		// treated as a remote agent id.
		if a, err := app.Agents.Resolve(n); err == nil {
			n = a.ID()
		}
		agents = append(agents, n)
	}

	res, err := app.Coordinator.FacilitateDebate(ctx, orchestrator.DebateRequest{
		From:     "user",
		ThreadID: threadID,
		Topic:    topic,
		Agents:   agents,
		Rounds:   rounds,
	})
	if err != nil {
		return err
	}
	fmt.Fprint(w, renderMarkdown(res.Transcript, 0))
	if !res.Completed() {
		fmt.Fprintf(w, "%s %s\n", styleWarning.Render("incomplete:"), res.Failure)
	}
	return nil
}

// runEncrypt prints an enc: value for config.yaml. The secret comes from
// the arguments or, when none are given, from stdin.
func runEncrypt(args []string) error {
	passphrase := os.Getenv("EXMACHINA_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("EXMACHINA_CONFIG_KEY must be set")
	}
	plain := strings.Join(args, " ")
	if plain == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read secret: %w", err)
		}
		plain = strings.TrimRight(line, "\r\n")
	}
	if plain == "" {
		return errors.New("nothing to encrypt")
	}
	enc, err := config.EncryptValue(plain, passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

func intFlag(flags map[string]string, name string, def int) (int, error) {
	v, ok := flags[name]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return n, nil
}

func durationFlag(flags map[string]string, name string) (time.Duration, error) {
	v := flags[name]
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
