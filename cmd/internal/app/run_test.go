package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"desk/cmd/internal/channel"
	v1 "desk/shared/contracts/desk/v1"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("output never contained %q:\n%s", want, out.String())
}

func TestRunDesk_ConsoleSession(t *testing.T) {
	t.Parallel()

	srv := newTestApp(t, Config{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	visitor, err := channel.Dial(ctx, channel.Options{URL: wsURL + "/ws/user"})
	if err != nil {
		t.Fatalf("dial visitor: %v", err)
	}
	defer visitor.Close()

	replies := make(chan v1.AgentMessageDelivery, 4)
	visitor.On(v1.EventAgentMessage, func(raw json.RawMessage) {
		var d v1.AgentMessageDelivery
		if json.Unmarshal(raw, &d) == nil {
			select {
			case replies <- d:
			default:
			}
		}
	})

	raw, err := visitor.Request(ctx, v1.EventRegisterUser, v1.RegisterUserPayload{Name: "Erin"})
	if err != nil {
		t.Fatalf("register-user: %v", err)
	}
	var ack v1.RegisterUserAck
	if err := json.Unmarshal(raw, &ack); err != nil || !ack.Success {
		t.Fatalf("register ack=%s err=%v", raw, err)
	}
	erinID := ack.Data.ID

	in, stdin := io.Pipe()
	defer stdin.Close()
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() {
		done <- runDesk(ctx, DeskConfig{
			RelayURL:       wsURL + "/ws/agent",
			FetchTimeout:   2 * time.Second,
			RequestTimeout: 2 * time.Second,
		}, discardLogger(), in, out)
	}()

	waitOutput(t, out, "+ Erin ("+erinID+") connected")

	if err := visitor.Emit(ctx, v1.EventUserMessage, v1.UserMessagePayload{Text: "hello?"}); err != nil {
		t.Fatalf("user-message: %v", err)
	}
	waitOutput(t, out, "* Erin ("+erinID+"): 1 unread")

	type step struct{ line, want string }
	for _, s := range []step{
		{"/who\n", "1. Erin (" + erinID + ") (1 unread)"},
		{"/select 1\n", "Erin: hello?"},
		{"hi, how can I help?\n", "you: hi, how can I help?"},
	} {
		if _, err := io.WriteString(stdin, s.line); err != nil {
			t.Fatalf("write %q: %v", s.line, err)
		}
		waitOutput(t, out, s.want)
	}

	select {
	case d := <-replies:
		if d.Message.Text != "hi, how can I help?" || d.Message.ClientID != erinID {
			t.Fatalf("visitor got %+v", d.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("visitor never received the reply")
	}

	if _, err := io.WriteString(stdin, "/quit\n"); err != nil {
		t.Fatalf("write /quit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runDesk: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runDesk did not return after /quit")
	}
}

func TestRunDesk_DialFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runDesk(ctx, DeskConfig{RelayURL: "ws://127.0.0.1:1/ws/agent"}, discardLogger(), strings.NewReader(""), io.Discard)
	if err == nil || !strings.Contains(err.Error(), "connect ws://127.0.0.1:1/ws/agent") {
		t.Fatalf("err=%v", err)
	}
}

// endless yields "x\n" forever.
type endless struct{}

func (endless) Read(p []byte) (int, error) {
	for i := range p {
		if i%2 == 0 {
			p[i] = 'x'
		} else {
			p[i] = '\n'
		}
	}
	return len(p) - len(p)%2, nil
}

func TestReadLines_StopsOnDone(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	lines := readLines(done, endless{})
	if got := <-lines; got != "x" {
		t.Fatalf("first line=%q", got)
	}
	close(done)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("reader kept sending after done was closed")
		}
	}
}
