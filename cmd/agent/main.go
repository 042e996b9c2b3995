package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/OGODEVO/ex-machina/internal/infra/config"
	"github.com/OGODEVO/ex-machina/internal/infra/logger"
	"github.com/OGODEVO/ex-machina/internal/infra/tracer"
)

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "run":
		err = run()
	case "agents":
		err = runAgents()
	case "threads":
		err = runThreads(args)
	case "runs":
		err = runRuns(args)
	case "ask":
		err = runAsk(args)
	case "debate":
		err = runDebate(args)
	case "doctor":
		err = runDoctor()
	case "encrypt":
		err = runEncrypt(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'ex-machina --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`ex-machina - multi-agent coordination engine

USAGE:
    ex-machina [COMMAND] [FLAGS]

COMMANDS:
    run         Start every configured agent and open an interactive prompt
    agents      List configured and online agents
    threads     List threads, or show one with --thread ID
    runs        Show recent assign/debate runs from the ledger
    ask         Send one message: ask @agent message
    debate      Run a debate: debate --agents a,b [--rounds N] topic
    doctor      Run health checks on your setup
    encrypt     Encrypt a secret for config.yaml (needs EXMACHINA_CONFIG_KEY)

    (no command) - same as run

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)
    --thread ID        Thread for ask, debate and threads (default: main)
    --timeout DUR      Reply timeout for ask (e.g. 2m)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: EXMACHINA_* variables override config

EXAMPLES:
    ex-machina                                   # Interactive prompt
    ex-machina ask @analyst summarise the week   # One-shot question
    ex-machina debate --agents bull,bear --rounds 2 "Is the rally overextended?"
    ex-machina encrypt sk-...                    # Prints enc:... for config.yaml
    ex-machina doctor                            # Check system health`)
}

// run starts every agent and reads "@agent message" lines from stdin until
// EOF, /quit or a signal.
func run() error {
	// 1. Config, logger and tracer
	env, err := setup()
	if err != nil {
		return err
	}
	defer env.close()

	// 2. Components
	app, err := buildApp(env.ctx, env.cfg, env.log)
	if err != nil {
		return err
	}
	defer app.Close()

	// 3. Start
	ctx, cancel := signal.NotifyContext(env.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	stop, err := app.Start(ctx)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer stop()

	// 4. Interactive prompt
	return newREPL(app, os.Stdin, os.Stdout).Run(ctx)
}

// cliEnv is the ambient setup shared by every command.
type cliEnv struct {
	ctx     context.Context
	cfg     *config.Config
	log     *slog.Logger
	closers []func()
}

func (e *cliEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func setup() (*cliEnv, error) {
	cfgPath := configPath()
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found at %s (see 'ex-machina --help')", cfgPath)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	env := &cliEnv{ctx: context.Background(), cfg: cfg, log: log}
	env.closers = append(env.closers, func() { _ = logCloser() })

	tracerShutdown, err := tracer.Setup(env.ctx, cfg.Tracer)
	if err != nil {
		env.close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	env.closers = append(env.closers, func() { _ = tracerShutdown(context.Background()) })
	return env, nil
}

func configPath() string {
	// Check --config flag in os.Args.
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("EXMACHINA_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// parseFlags splits args into --name value pairs and positional words.
// Both "--name value" and "--name=value" are accepted. --config is
// consumed here and handled by configPath.
func parseFlags(args []string, names ...string) (map[string]string, []string) {
	known := make(map[string]bool, len(names)+1)
	for _, n := range names {
		known[n] = true
	}
	known["config"] = true

	flags := make(map[string]string)
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			rest = append(rest, arg)
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			rest = append(rest, arg)
			continue
		}
		if !hasValue && i+1 < len(args) {
			value = args[i+1]
			i++
		}
		flags[name] = value
	}
	return flags, rest
}
