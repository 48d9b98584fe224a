package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"desk/cmd/internal/desk"
	v1 "desk/shared/contracts/desk/v1"
)

var errQuit = errors.New("console: quit")

// deskEngine is the subset of *desk.Engine the console drives.
type deskEngine interface {
	Select(ctx context.Context, clientID string) error
	Retry(ctx context.Context) error
	Deselect(ctx context.Context) error
	Send(ctx context.Context, text string) error
	View() desk.View
}

// console renders engine views as a line-oriented transcript and turns input lines into
// engine intents. render and exec may run on different goroutines.
type console struct {
	engine deskEngine

	mu   sync.Mutex
	out  io.Writer
	prev desk.View
}

func newConsole(e deskEngine, out io.Writer) *console {
	return &console{
		engine: e,
		out:    out,
		prev:   desk.View{Conversations: map[string]v1.Conversation{}},
	}
}

const consoleHelp = `commands:
  /who              list connected visitors
  /select <n|id>    open a conversation by roster number or client id
  /retry            reload the open conversation
  /deselect         close the open conversation
  /quit             exit
  anything else is sent to the open conversation`

// exec runs one input line. It returns errQuit for /quit.
func (c *console) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		err := c.engine.Send(ctx, line)
		switch {
		case errors.Is(err, desk.ErrNoSelection):
			c.printf("! no conversation open; use /who and /select <n>\n")
		case err != nil:
			c.printf("! send failed: %v\n", err)
		}
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		c.printf("%s\n", consoleHelp)
	case "/who":
		c.printRoster(c.engine.View())
	case "/select":
		if arg == "" {
			c.printf("! usage: /select <n|id>\n")
			return nil
		}
		id := c.resolve(arg)
		if err := c.engine.Select(ctx, id); err != nil {
			c.reportSelect(id, err)
		}
	case "/retry":
		if err := c.engine.Retry(ctx); err != nil {
			if errors.Is(err, desk.ErrNoSelection) {
				c.printf("! no conversation open\n")
				return nil
			}
			c.reportSelect("", err)
		}
	case "/deselect":
		if err := c.engine.Deselect(ctx); err != nil {
			c.printf("! %v\n", err)
		}
	default:
		c.printf("! unknown command %s (try /help)\n", cmd)
	}
	return nil
}

// resolve maps a 1-based roster number to a client id. Anything else is taken as an id.
func (c *console) resolve(arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg
	}
	roster := c.engine.View().Roster
	if n < 1 || n > len(roster) {
		return arg
	}
	return roster[n-1].Client.ID
}

func (c *console) reportSelect(id string, err error) {
	switch {
	case errors.Is(err, desk.ErrUnknownSelectionTarget):
		c.printf("! no visitor %q is connected\n", id)
	case errors.Is(err, desk.ErrFetchFailure):
		c.printf("! could not load the conversation: %v (use /retry)\n", err)
	default:
		c.printf("! %v\n", err)
	}
}

// render prints what changed between the previously rendered view and v.
func (c *console) render(v desk.View) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.prev
	c.prev = v

	prevRoster := rosterIndex(prev)
	nextRoster := rosterIndex(v)

	for _, r := range prev.Roster {
		if _, ok := nextRoster[r.Client.ID]; !ok {
			c.writef("- %s left\n", label(r.Client))
		}
	}
	for _, r := range v.Roster {
		if _, ok := prevRoster[r.Client.ID]; !ok {
			c.writef("+ %s connected\n", label(r.Client))
		}
	}

	if v.Selected != prev.Selected {
		if v.Selected == "" {
			c.writef("== conversation closed\n")
		} else {
			c.writef("== %s\n", label(clientOf(v, v.Selected)))
			if conv, ok := v.SelectedConversation(); ok {
				for _, m := range conv.Messages {
					c.writeMessage(v, m)
				}
			}
		}
	} else if v.Selected != "" {
		conv, _ := v.SelectedConversation()
		before := prev.Conversations[v.Selected]
		for _, m := range newMessages(before, conv) {
			c.writeMessage(v, m)
		}
	}

	if v.FetchErr != nil && (errText(v.FetchErr) != errText(prev.FetchErr) || v.Selected != prev.Selected) {
		c.writef("! could not load the conversation: %v (use /retry)\n", v.FetchErr)
	}

	for _, r := range v.Roster {
		if r.Client.ID == v.Selected {
			continue
		}
		if old, ok := prevRoster[r.Client.ID]; ok && r.Unread > old.Unread {
			c.writef("* %s: %d unread\n", label(r.Client), r.Unread)
		} else if !ok && r.Unread > 0 {
			c.writef("* %s: %d unread\n", label(r.Client), r.Unread)
		}
	}
}

func (c *console) printRoster(v desk.View) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(v.Roster) == 0 {
		c.writef("no visitors connected\n")
		return
	}
	for i, r := range v.Roster {
		marker := " "
		if r.Client.ID == v.Selected {
			marker = ">"
		}
		c.writef("%s %d. %s", marker, i+1, label(r.Client))
		if r.Unread > 0 {
			c.writef(" (%d unread)", r.Unread)
		}
		c.writef("\n")
	}
}

func (c *console) writeMessage(v desk.View, m v1.Message) {
	who := clientOf(v, m.ClientID).Name
	if m.IsAgent {
		who = "you"
	}
	c.writef("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), who, m.Text)
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writef(format, args...)
}

// writef requires c.mu.
func (c *console) writef(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func rosterIndex(v desk.View) map[string]desk.RosterEntry {
	m := make(map[string]desk.RosterEntry, len(v.Roster))
	for _, r := range v.Roster {
		m[r.Client.ID] = r
	}
	return m
}

func clientOf(v desk.View, id string) v1.Client {
	for _, r := range v.Roster {
		if r.Client.ID == id {
			return r.Client
		}
	}
	return v1.Client{ID: id, Name: id}
}

func label(c v1.Client) string {
	if c.Name == "" || c.Name == c.ID {
		return c.ID
	}
	return fmt.Sprintf("%s (%s)", c.Name, c.ID)
}

// newMessages returns the messages in next not already present in prev, by id.
func newMessages(prev, next v1.Conversation) []v1.Message {
	seen := make(map[string]struct{}, len(prev.Messages))
	for _, m := range prev.Messages {
		seen[m.ID] = struct{}{}
		if m.ClientMsgID != "" {
			seen[m.ClientMsgID] = struct{}{}
		}
	}
	var out []v1.Message
	for _, m := range next.Messages {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		if _, ok := seen[m.ClientMsgID]; ok && m.ClientMsgID != "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
