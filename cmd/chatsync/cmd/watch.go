package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatsync/internal/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch <conversationId>",
	Short: "Open a conversation and chat interactively",
	Long: `Open a conversation and keep it in sync. Plain lines are sent to the
conversation. Commands:

  /ai <text>       ask the AI assistant
  /stop            stop the running AI answer
  /more            load older messages
  /focus           clear conversation notices
  /files <a> <b>   publish a file selection (project conversations)
  /quit            leave`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Int64Var(&projectID, "project", 0, "project the conversation belongs to")
}

type inputKind int

const (
	inputEmpty inputKind = iota
	inputSend
	inputAI
	inputStop
	inputMore
	inputFocus
	inputFiles
	inputQuit
	inputUnknown
)

// parseInput splits a line typed at the prompt into a command and its argument.
func parseInput(line string) (inputKind, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return inputEmpty, ""
	}
	if !strings.HasPrefix(line, "/") {
		return inputSend, line
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/ai":
		return inputAI, arg
	case "/stop":
		return inputStop, ""
	case "/more":
		return inputMore, ""
	case "/focus":
		return inputFocus, ""
	case "/files":
		return inputFiles, arg
	case "/quit", "/exit":
		return inputQuit, ""
	default:
		return inputUnknown, name
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	conversationID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid conversation id %q", args[0])
	}

	c, err := newClient()
	if err != nil {
		return err
	}

	conv := chat.Conversation{ID: conversationID}
	if projectID != 0 {
		conv.ProjectID = &projectID
	}

	sess := session.New(c.api, c.links, c.bus, session.Options{
		PageSize:                 c.cfg.Client.PageSize,
		ParticipantRetryInterval: c.cfg.Client.ParticipantRetryInterval,
		ParticipantRetryAttempts: c.cfg.Client.ParticipantRetryAttempts,
		Logger:                   c.logger,
	})
	defer sess.Close()

	out := cmd.OutOrStdout()
	p := newPrinter(out, strconv.FormatInt(c.cfg.Client.UserID, 10))
	sess.OnChange(func() { p.render(sess.View()) })

	ctx := cmd.Context()
	sess.Start(ctx)
	if err := sess.Open(ctx, conv); err != nil {
		c.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("conversation opened with errors")
	}
	p.render(sess.View())

	return readLoop(ctx, cmd.InOrStdin(), out, sess)
}

func readLoop(ctx context.Context, in io.Reader, out io.Writer, sess *session.Session) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		kind, arg := parseInput(scanner.Text())

		var err error
		switch kind {
		case inputEmpty:
		case inputSend:
			err = sess.Send(ctx, arg)
		case inputAI:
			err = sess.AskAI(ctx, arg)
		case inputStop:
			err = sess.StopAI(ctx)
		case inputMore:
			err = sess.LoadMore(ctx)
		case inputFocus:
			sess.Focus()
		case inputFiles:
			err = sess.SelectFiles(ctx, strings.Fields(arg))
		case inputQuit:
			return nil
		case inputUnknown:
			fmt.Fprintf(out, "unknown command %s\n", arg)
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

// printer writes view changes to the terminal incrementally.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	self    string
	seen    map[string]struct{}
	draft   string
	notices int
	files   string
}

func newPrinter(out io.Writer, self string) *printer {
	return &printer{out: out, self: self, seen: make(map[string]struct{})}
}

func (p *printer) render(v session.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range v.Messages {
		if m.ID == chat.DraftID {
			continue
		}
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}
		if p.draft != "" {
			fmt.Fprintln(p.out)
			p.draft = ""
		}
		fmt.Fprintf(p.out, "%s: %s\n", p.label(m), m.Text)
	}

	switch {
	case v.Draft == p.draft:
	case strings.HasPrefix(v.Draft, p.draft):
		if p.draft == "" {
			fmt.Fprint(p.out, "AI (typing): ")
		}
		fmt.Fprint(p.out, strings.TrimPrefix(v.Draft, p.draft))
		p.draft = v.Draft
	default:
		if p.draft != "" {
			fmt.Fprintln(p.out)
		}
		p.draft = ""
	}

	if len(v.Notices) < p.notices {
		p.notices = 0
	}
	for _, n := range v.Notices[p.notices:] {
		fmt.Fprintf(p.out, "[%s] %s\n", n.Level, n.Message)
	}
	p.notices = len(v.Notices)

	if files := strings.Join(v.VisibleFiles, ", "); files != p.files {
		fmt.Fprintf(p.out, "selected files: %s\n", files)
		p.files = files
	}
}

func (p *printer) label(m chat.Message) string {
	switch {
	case m.FromAI():
		return "AI"
	case m.Sender == p.self:
		return "you"
	default:
		return "user " + m.Sender
	}
}
