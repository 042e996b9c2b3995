package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/OGODEVO/ex-machina/internal/usecase/multiagent"
)

const replHelp = `  @agent message          ask one agent (default agent without a prefix)
  /agents                  list agents
  /threads                 list threads
  /thread ID               show a thread
  /thread-use ID           send subsequent messages on thread ID
  /debate a,b N topic      run an N-round debate
  /quit                    exit`

// repl reads one command or message per line.
type repl struct {
	app    *App
	in     io.Reader
	out    io.Writer
	thread string
}

func newREPL(app *App, in io.Reader, out io.Writer) *repl {
	return &repl{app: app, in: in, out: out, thread: multiagent.DefaultThread}
}

// Run processes lines until EOF, /quit or ctx is cancelled. Lines are read
// on a separate goroutine so a signal interrupts a blocked read.
func (r *repl) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r.in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	fmt.Fprintln(r.out, styleBold.Render("ex-machina")+styleDim.Render(" type /help for commands"))
	for {
		fmt.Fprint(r.out, styleInfo.Render(r.thread+"> "))
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case err := <-readErr:
			fmt.Fprintln(r.out)
			return err
		case line := <-lines:
			quit, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				printError(r.out, err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handle runs one line. It reports whether the prompt should exit.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, ask(ctx, r.out, r.app.Broker, r.thread, line, 0)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, replHelp)
		return false, nil
	case "/agents":
		return false, showAgents(ctx, r.out, r.app)
	case "/threads":
		return false, showThreads(ctx, r.out, r.app.Bridge)
	case "/thread":
		if arg == "" {
			arg = r.thread
		}
		return false, showThread(ctx, r.out, r.app.Bridge, arg, 50)
	case "/thread-use":
		if arg == "" {
			return false, errors.New("usage: /thread-use ID")
		}
		r.thread = arg
		return false, nil
	case "/debate":
		names, rounds, topic, err := parseDebateArgs(arg)
		if err != nil {
			return false, err
		}
		return false, debate(ctx, r.out, r.app, r.thread, topic, names, rounds)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// parseDebateArgs parses "a,b N topic...".
func parseDebateArgs(arg string) (names []string, rounds int, topic string, err error) {
	fields := strings.Fields(arg)
	if len(fields) < 3 {
		return nil, 0, "", errors.New("usage: /debate a,b N topic")
	}
	rounds, err = strconv.Atoi(fields[1])
	if err != nil {
		return nil, 0, "", fmt.Errorf("rounds: %w", err)
	}
	return splitList(fields[0]), rounds, strings.Join(fields[2:], " "), nil
}
