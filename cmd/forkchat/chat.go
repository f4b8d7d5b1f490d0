package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/go-go-golems/forkchat/pkg/artifacts"
	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/go-go-golems/forkchat/pkg/events"
	"github.com/go-go-golems/forkchat/pkg/inference/orchestrator"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const chatTopic = "chat"

const chatHelp = `commands:
  /tree                  show every branch
  /thread                show the active thread
  /edit <id> <text>      fork a message with new text (re-runs user edits)
  /delete <id>           delete a message and its replies
  /next [id] /prev [id]  switch to a sibling branch
  /goto <id>             make a message the current leaf
  /regen [id]            generate a new reply next to an assistant message
  /title [text]          show or set the session title
  /artifacts             list the session's artifacts
  /quit                  leave`

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat interactively, optionally starting with a prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("session")
			showThinking, _ := cmd.Flags().GetBool("thinking")
			once, _ := cmd.Flags().GetBool("once")
			return runChat(cmd.Context(), chatOptions{
				sessionID:    sessionID,
				prompt:       strings.Join(args, " "),
				showThinking: showThinking,
				once:         once,
				in:           os.Stdin,
				out:          cmd.OutOrStdout(),
			})
		},
	}
	cmd.Flags().String("session", "", "Continue an existing session")
	cmd.Flags().Bool("thinking", false, "Print reasoning output")
	cmd.Flags().Bool("once", false, "Answer the prompt and exit")
	return cmd
}

type chatOptions struct {
	sessionID    string
	prompt       string
	showThinking bool
	once         bool
	in           io.Reader
	out          io.Writer
}

func runChat(ctx context.Context, opts chatOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, appOptions{connectMCP: true})
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close()
	}()

	var session *conversation.ChatSession
	if opts.sessionID != "" {
		session, err = a.repo.Get(ctx, opts.sessionID)
	} else {
		session, err = a.repo.Create(ctx,
			conversation.WithSystemPrompt(a.settings.SystemPrompt),
			conversation.WithSessionModel(a.settings.Model))
	}
	if err != nil {
		return err
	}
	log.Debug().Str("session", session.ID).Msg("chat session ready")

	router, err := events.NewEventRouter()
	if err != nil {
		return err
	}
	router.AddHandler("chat", chatTopic, events.StepPrinterFunc("", opts.out, events.PrinterOptions{
		ShowThinking:  opts.showThinking,
		ShowToolCalls: true,
	}))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		defer func() {
			_ = router.Close()
		}()
		<-router.Running()

		r := &repl{
			app:     a,
			orch:    a.newOrchestrator(router.Sink(chatTopic)),
			session: session,
			out:     opts.out,
		}
		defer r.orch.Wait()

		if opts.prompt != "" {
			if err := r.say(ctx, opts.prompt); err != nil {
				return err
			}
			if opts.once {
				return nil
			}
		} else if session.Len() > 0 {
			printThread(opts.out, session)
		}
		_, _ = fmt.Fprintf(opts.out, "session %s, /help for commands\n", session.ID)
		return r.loop(ctx, opts.in)
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type repl struct {
	app     *app
	orch    *orchestrator.Orchestrator
	session *conversation.ChatSession
	out     io.Writer
}

func (r *repl) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		r.printf("> ")
		if !scanner.Scan() {
			r.printf("\n")
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := r.say(ctx, line); err != nil {
				r.printf("error: %v\n", err)
			}
			continue
		}

		quit, err := r.command(ctx, line)
		if err != nil {
			r.printf("error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printf("%s\n", chatHelp)
	case "/tree":
		printTree(r.out, r.session)
	case "/thread":
		printThread(r.out, r.session)
	case "/edit":
		if len(args) < 2 {
			return false, errors.New("usage: /edit <id> <text>")
		}
		id, err := resolveMessage(r.session, args[0])
		if err != nil {
			return false, err
		}
		fork := r.session.EditMessage(id, strings.Join(args[1:], " "))
		if fork == nil {
			return false, errors.Errorf("no message %s", id)
		}
		if fork.Role == conversation.RoleUser {
			return false, r.turn(ctx)
		}
		return false, r.persist(ctx)
	case "/delete":
		if len(args) != 1 {
			return false, errors.New("usage: /delete <id>")
		}
		id, err := resolveMessage(r.session, args[0])
		if err != nil {
			return false, err
		}
		n := r.session.DeleteMessage(id)
		r.printf("deleted %d message(s)\n", n)
		return false, r.persist(ctx)
	case "/next", "/prev":
		id, err := r.branchPoint(args)
		if err != nil {
			return false, err
		}
		direction := conversation.Next
		if name == "/prev" {
			direction = conversation.Previous
		}
		if _, ok := r.session.NavigateBranch(id, direction); !ok {
			return false, errors.Errorf("message %s has no siblings to switch to", shortID(id))
		}
		printThread(r.out, r.session)
		return false, r.persist(ctx)
	case "/goto":
		if len(args) != 1 {
			return false, errors.New("usage: /goto <id>")
		}
		id, err := resolveMessage(r.session, args[0])
		if err != nil {
			return false, err
		}
		if err := r.session.SetCurrentLeaf(id); err != nil {
			return false, err
		}
		return false, r.persist(ctx)
	case "/regen":
		id := r.session.CurrentLeafID
		if len(args) == 1 {
			var err error
			if id, err = resolveMessage(r.session, args[0]); err != nil {
				return false, err
			}
		}
		r.orch.Wait()
		return false, r.withInterrupt(ctx, func(ctx context.Context) (*orchestrator.Turn, error) {
			return r.orch.Regenerate(ctx, r.session, id)
		})
	case "/title":
		if len(args) == 0 {
			r.printf("%s\n", r.session.GetTitle())
			return false, nil
		}
		r.session.SetTitle(strings.TrimSpace(strings.TrimPrefix(line, name)))
		return false, r.persist(ctx)
	case "/artifacts":
		list, err := r.app.artifacts.List(ctx, r.session.ID)
		if err != nil {
			return false, err
		}
		printArtifacts(r.out, list)
	default:
		return false, errors.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}

// branchPoint picks the message whose siblings /next and /prev cycle
// through: the given one, or the deepest message of the active thread that
// has siblings.
func (r *repl) branchPoint(args []string) (conversation.MessageID, error) {
	if len(args) == 1 {
		return resolveMessage(r.session, args[0])
	}
	thread := r.session.ActiveThread()
	for i := len(thread) - 1; i >= 0; i-- {
		if len(r.session.Siblings(thread[i].ID)) > 1 && !thread[i].IsRoot() {
			return thread[i].ID, nil
		}
	}
	return conversation.NullID, errors.New("the active thread has no branches")
}

func (r *repl) say(ctx context.Context, text string) error {
	if _, err := r.session.AddMessage(conversation.NewUserMessage(text)); err != nil {
		return err
	}
	return r.turn(ctx)
}

func (r *repl) turn(ctx context.Context) error {
	// a late title write must not race the next persist
	r.orch.Wait()
	return r.withInterrupt(ctx, func(ctx context.Context) (*orchestrator.Turn, error) {
		return r.orch.Run(ctx, r.session)
	})
}

// withInterrupt runs one turn that Ctrl-C aborts without leaving the REPL.
func (r *repl) withInterrupt(ctx context.Context, run func(ctx context.Context) (*orchestrator.Turn, error)) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	turn, err := run(turnCtx)
	if err != nil {
		return err
	}
	r.printf("\n")
	switch {
	case turn.State == orchestrator.StateAborted:
		r.printf("(interrupted)\n")
	case turn.RoundCapHit:
		r.printf("(stopped after %d tool rounds)\n", turn.Rounds)
	}
	return nil
}

func (r *repl) persist(ctx context.Context) error {
	return r.app.repo.Put(ctx, r.session)
}

func printArtifacts(w io.Writer, list []artifacts.Artifact) {
	if len(list) == 0 {
		_, _ = fmt.Fprintln(w, "no artifacts")
		return
	}
	for _, a := range list {
		state := "final"
		if !a.Final {
			state = "draft"
		}
		_, _ = fmt.Fprintf(w, "%s  %-30s %6d bytes  %s\n", shortID(conversation.MessageID(a.ID)), a.Path, len(a.Content), state)
	}
}
