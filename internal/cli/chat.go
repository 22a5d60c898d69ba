package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/copilot-chat/internal/model"
	"github.com/capitalize-ai/copilot-chat/internal/session"
	"github.com/capitalize-ai/copilot-chat/internal/widget"
)

func newChatCommand(load loader) *cobra.Command {
	var params widget.Params

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "start an interactive chat with an assistant",
		Long: `Start an interactive chat session in the terminal.

Commands:
  /new               start a new conversation
  /list              list conversations
  /open <id>         open a conversation
  /assistants        list assistants
  /assistant <id>    switch assistant
  /attach <path>...  attach files to the next question
  /quit              leave`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := newWidget(cfg, log)
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.Start(ctx, params); err != nil {
				return err
			}
			go w.Run(ctx)

			return newREPL(w, cmd.InOrStdin(), cmd.OutOrStdout()).run(ctx)
		},
	}

	cmd.Flags().StringVar(&params.AssistantID, "assistant", "", "assistant app id to select")
	cmd.Flags().StringVar(&params.ContextTitle, "context-title", "", "context title for the first question")
	cmd.Flags().StringVar(&params.Question, "question", "", "question to prefill")

	return cmd
}

// chatWidget is the part of the widget the terminal chat drives.
type chatWidget interface {
	Snapshot() widget.Snapshot
	Submit(ctx context.Context, input string) error
	NewConversation()
	OpenConversation(ctx context.Context, id string) error
	SelectAssistant(ctx context.Context, appID string) error
	AttachFiles(ctx context.Context, uploads []widget.Upload) error
}

type repl struct {
	widget chatWidget
	in     io.Reader
	out    io.Writer
	poll   time.Duration
	open   func(name string) (io.ReadCloser, error)
}

func newREPL(w chatWidget, in io.Reader, out io.Writer) *repl {
	return &repl{
		widget: w,
		in:     in,
		out:    out,
		poll:   200 * time.Millisecond,
		open:   func(name string) (io.ReadCloser, error) { return os.Open(name) },
	}
}

func (r *repl) run(ctx context.Context) error {
	snap := r.widget.Snapshot()
	r.header(snap)

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if snap.Draft != "" {
		fmt.Fprintf(r.out, "draft: %s\n", snap.Draft)
	}
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := r.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, r.ask(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		r.widget.NewConversation()
		fmt.Fprintln(r.out, "new conversation")
	case "/list":
		r.listConversations(r.widget.Snapshot())
	case "/open":
		if arg == "" {
			return false, errors.New("usage: /open <id>")
		}
		if err := r.widget.OpenConversation(ctx, arg); err != nil {
			return false, err
		}
		r.printMessages(r.widget.Snapshot().Messages)
	case "/assistants":
		r.listAssistants(r.widget.Snapshot())
	case "/assistant":
		if arg == "" {
			return false, errors.New("usage: /assistant <id>")
		}
		if err := r.widget.SelectAssistant(ctx, arg); err != nil {
			return false, err
		}
		r.header(r.widget.Snapshot())
	case "/attach":
		return false, r.attach(ctx, strings.Fields(arg))
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, nil
}

func (r *repl) ask(ctx context.Context, question string) error {
	before := len(r.widget.Snapshot().Messages)
	if err := r.widget.Submit(ctx, question); err != nil {
		if errors.Is(err, session.ErrBusy) {
			return errors.New("still answering the previous question")
		}
		return err
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		snap := r.widget.Snapshot()
		if !snap.Loading {
			// Skip the echoed question.
			if before < len(snap.Messages) {
				before++
			}
			r.printMessages(snap.Messages[min(before, len(snap.Messages)):])
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *repl) attach(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return errors.New("usage: /attach <path>...")
	}

	uploads := make([]widget.Upload, 0, len(paths))
	for _, p := range paths {
		f, err := r.open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		uploads = append(uploads, widget.Upload{Name: filepath.Base(p), Content: f})
	}

	if err := r.widget.AttachFiles(ctx, uploads); err != nil {
		return err
	}
	snap := r.widget.Snapshot()
	fmt.Fprintf(r.out, "%s %d\n", orDefault(snap.FilesLabel, "files:"), len(snap.Files))
	return nil
}

func (r *repl) header(snap widget.Snapshot) {
	if snap.Notice != "" {
		fmt.Fprintln(r.out, snap.Notice)
		return
	}
	if snap.Assistant != nil {
		fmt.Fprintf(r.out, "assistant: %s (%s)\n", snap.Assistant.Name, snap.Assistant.AppID)
	}
	if snap.ContextTitle != "" {
		fmt.Fprintf(r.out, "context: %s\n", snap.ContextTitle)
	}
}

func (r *repl) listConversations(snap widget.Snapshot) {
	if len(snap.Conversations) == 0 {
		fmt.Fprintln(r.out, "no conversations")
		return
	}
	for _, c := range snap.Conversations {
		marker := " "
		switch {
		case c.Active:
			marker = "*"
		case c.Unread:
			marker = "!"
		}
		fmt.Fprintf(r.out, "%s %s  %s\n", marker, c.ID, c.Title)
	}
}

func (r *repl) listAssistants(snap widget.Snapshot) {
	for _, a := range snap.Assistants {
		marker := " "
		if snap.Assistant != nil && snap.Assistant.AppID == a.AppID {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %s  %s\n", marker, a.AppID, a.Name)
	}
}

func (r *repl) printMessages(msgs []model.Message) {
	for _, m := range msgs {
		fmt.Fprintf(r.out, "[%s] %s\n", m.Role, m.Text)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
