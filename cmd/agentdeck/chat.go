package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/szaher/agentdeck/internal/coordinator"
	"github.com/szaher/agentdeck/internal/notify"
	"github.com/szaher/agentdeck/internal/telemetry"
)

func newChatCmd() *cobra.Command {
	var personas []string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive multi-agent chat",
		Long: `Start a line-oriented chat. Plain text goes to the current agent; other
agents keep streaming in the background. Type /help for commands.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx, slog.LevelWarn)
			if err != nil {
				return err
			}
			e.serveMetrics()

			r := newREPL(ctx, e.coord, cmd.OutOrStdout())
			for _, st := range e.coord.List() {
				r.watch(st.ID)
			}
			for _, p := range personas {
				if _, err := r.handle(ctx, "/new "+p); err != nil {
					_ = e.close(ctx)
					return err
				}
			}
			if _, err := r.focus(); err != nil {
				if list := e.coord.List(); len(list) > 0 {
					r.setFocus(list[0].ID)
				}
			}
			r.greet()

			err = r.run(ctx, cmd.InOrStdin())
			if cerr := e.close(ctx); err == nil {
				err = cerr
			}
			r.wait()
			return err
		},
	}
	cmd.Flags().StringSliceVar(&personas, "persona", nil, "Create an agent for this persona at start (repeatable)")
	return cmd
}

// repl routes input lines to the coordinator and prints agent events.
type repl struct {
	ctx   context.Context
	coord *coordinator.Coordinator

	mu      sync.Mutex
	out     io.Writer
	current string
	midLine bool

	wg sync.WaitGroup
}

func newREPL(ctx context.Context, coord *coordinator.Coordinator, out io.Writer) *repl {
	return &repl{ctx: ctx, coord: coord, out: out}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) greet() {
	id, err := r.focus()
	if err != nil {
		r.printf("No agents yet. Start one with /new <persona>; /help lists commands.\n")
		return
	}
	r.printf("Talking to %s. /help lists commands.\n", id)
}

// watch prints the agent's events until its queue closes.
func (r *repl) watch(id string) {
	q, err := r.coord.Events(id)
	if err != nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			ev, err := q.Next(r.ctx)
			if err != nil {
				return
			}
			r.show(ev)
		}
	}()
}

func (r *repl) wait() { r.wg.Wait() }

func (r *repl) show(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	focused := ev.AgentID == r.current

	switch ev.Kind {
	case notify.TurnStarted:
		return
	case notify.Delta:
		if !focused {
			return
		}
		if !r.midLine {
			fmt.Fprintf(r.out, "%s: ", ev.AgentID)
		}
		fmt.Fprint(r.out, ev.Text)
		r.midLine = true
		return
	}

	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
	switch ev.Kind {
	case notify.TurnFinalized:
		if !focused {
			fmt.Fprintf(r.out, "[%s] reply ready (%d chars); /switch %s to read it\n", ev.AgentID, len(ev.Text), ev.AgentID)
		}
	case notify.TurnCancelled:
		fmt.Fprintf(r.out, "[%s] turn cancelled\n", ev.AgentID)
	case notify.TurnFailed:
		fmt.Fprintf(r.out, "[%s] turn failed: %s\n", ev.AgentID, ev.Err)
	default:
		fmt.Fprintf(r.out, "[%s] %s\n", ev.AgentID, ev.Text)
	}
}

// run reads lines until EOF, /quit or ctx ends.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.handle(ctx, line)
			if err != nil {
				r.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

const chatHelp = `Commands:
  /new <persona>   start an agent and switch to it
  /close [id]      remove an agent (history is kept)
  /agents          list agents
  /personas        list personas
  /switch <id>     talk to another agent
  /cancel          stop the current reply
  /save, /load     write or reread the current agent's history
  /archive         summarise older messages now
  /clear           drop the current agent's history
  /status          show the current agent
  /quit            save everything and exit
`

// handle executes one input line. It reports whether the session should end.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if correlationID != "" {
		ctx = telemetry.WithCorrelationID(ctx, correlationID)
	}
	if !strings.HasPrefix(line, "/") {
		id, err := r.focus()
		if err != nil {
			return false, err
		}
		_, err = r.coord.Dispatch(ctx, id, coordinator.Send{Text: line})
		return false, err
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "quit", "exit":
		return true, nil
	case "help":
		r.printf("%s", chatHelp)
	case "new":
		if arg == "" {
			return false, errors.New("usage: /new <persona>")
		}
		out, err := r.coord.Dispatch(ctx, "", coordinator.CreateAgent{Persona: arg})
		if err != nil {
			return false, err
		}
		r.watch(out.AgentID)
		r.setFocus(out.AgentID)
		a, _ := r.coord.Get(out.AgentID)
		if n := len(a.Messages()); n > 0 {
			r.printf("Started %s (resumed %d messages).\n", out.AgentID, n)
		} else {
			r.printf("Started %s.\n", out.AgentID)
		}
	case "close":
		id := arg
		if id == "" {
			var err error
			if id, err = r.focus(); err != nil {
				return false, err
			}
		}
		if _, err := r.coord.Dispatch(ctx, id, coordinator.RemoveAgent{}); err != nil {
			return false, err
		}
		r.mu.Lock()
		if r.current == id {
			r.current = ""
			if list := r.coord.List(); len(list) > 0 {
				r.current = list[0].ID
			}
		}
		next := r.current
		r.mu.Unlock()
		r.printf("Closed %s.\n", id)
		if next != "" {
			r.printf("Talking to %s.\n", next)
		}
	case "agents":
		list := r.coord.List()
		if len(list) == 0 {
			r.printf("No agents.\n")
		}
		cur, _ := r.focus()
		for _, st := range list {
			mark := " "
			if st.ID == cur {
				mark = "*"
			}
			r.printf("%s %-20s %-16s %3d msgs  %s\n", mark, st.ID, st.Persona, st.Messages, st.State)
		}
	case "personas":
		for _, p := range r.coord.Personas() {
			r.printf("  %-16s %s\n", p.Name, p.Description)
		}
	case "switch":
		if _, err := r.coord.Get(arg); err != nil {
			return false, err
		}
		r.setFocus(arg)
		r.printf("Talking to %s.\n", arg)
	case "status":
		id, err := r.focus()
		if err != nil {
			return false, err
		}
		a, err := r.coord.Get(id)
		if err != nil {
			return false, err
		}
		st := a.Status()
		r.printf("%s (persona %s, model %s): %d messages, %d archives, state %s, busy %t, unsaved %t\n",
			st.ID, st.Persona, st.Model, st.Messages, st.Archives, st.State, st.Busy, st.Dirty)
		if st.LastError != "" {
			r.printf("  last error: %s\n", st.LastError)
		}
	case "cancel", "save", "load", "archive", "clear":
		id, err := r.focus()
		if err != nil {
			return false, err
		}
		out, err := r.coord.Dispatch(ctx, id, agentAction(name))
		if err != nil {
			return false, err
		}
		switch name {
		case "save":
			r.printf("Saved %s.\n", id)
		case "archive":
			if out.Archived {
				r.printf("Archived older messages of %s.\n", id)
			} else {
				r.printf("Nothing to archive yet.\n")
			}
		}
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return false, nil
}

func agentAction(name string) coordinator.Action {
	switch name {
	case "cancel":
		return coordinator.Cancel{}
	case "save":
		return coordinator.Save{}
	case "load":
		return coordinator.Load{}
	case "archive":
		return coordinator.Archive{}
	default:
		return coordinator.Clear{}
	}
}

func (r *repl) focus() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" {
		return "", errors.New("no current agent; use /new <persona>")
	}
	return r.current, nil
}

func (r *repl) setFocus(id string) {
	r.mu.Lock()
	r.current = id
	r.mu.Unlock()
}
