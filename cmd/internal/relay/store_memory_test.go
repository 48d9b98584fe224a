package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestInMemoryStore_UnreadBookkeeping(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	for i, text := range []string{"a", "b", "c"} {
		res, err := s.AppendUserMessage(ctx, AppendInput{ClientID: "c1", Text: text, Now: now})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if res.Conversation.Unread != i+1 {
			t.Fatalf("unread=%d want %d", res.Conversation.Unread, i+1)
		}
		if res.Message.IsAgent || res.Message.ID == "" || !res.Message.Timestamp.Equal(now) {
			t.Fatalf("message=%+v", res.Message)
		}
	}

	res, err := s.AppendAgentMessage(ctx, AppendInput{ClientID: "c1", Text: "reply", ClientMsgID: "cm"})
	if err != nil {
		t.Fatalf("append agent: %v", err)
	}
	if res.Conversation.Unread != 3 {
		t.Fatalf("agent reply changed unread: %d", res.Conversation.Unread)
	}

	conv, err := s.MarkRead(ctx, "c1")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if conv.Unread != 0 || len(conv.Messages) != 4 {
		t.Fatalf("after MarkRead: %+v", conv)
	}
}

func TestInMemoryStore_AgentDedupe(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	in := AppendInput{ClientID: "c1", Text: "hi", ClientMsgID: "cm-1"}

	first, err := s.AppendAgentMessage(ctx, in)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := s.AppendAgentMessage(ctx, in)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Duplicated || second.Message.ID != first.Message.ID {
		t.Fatalf("second=%+v want duplicate of %s", second, first.Message.ID)
	}
	if len(second.Conversation.Messages) != 1 {
		t.Fatalf("messages=%d want 1", len(second.Conversation.Messages))
	}

	// Without a correlation id every append is distinct.
	in.ClientMsgID = ""
	a, _ := s.AppendAgentMessage(ctx, in)
	b, _ := s.AppendAgentMessage(ctx, in)
	if a.Duplicated || b.Duplicated || len(b.Conversation.Messages) != 3 {
		t.Fatalf("uncorrelated appends deduped: %+v", b.Conversation)
	}
}

func TestInMemoryStore_Validation(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	cases := []struct {
		name string
		in   AppendInput
		want error
	}{
		{"missing client", AppendInput{Text: "x"}, ErrInvalidInput},
		{"empty text", AppendInput{ClientID: "c"}, ErrInvalidInput},
		{"too long", AppendInput{ClientID: "c", Text: strings.Repeat("x", maxMessageChars+1)}, ErrTextTooLong},
	}
	for _, tc := range cases {
		if _, err := s.AppendUserMessage(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err=%v want %v", tc.name, err, tc.want)
		}
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.AppendUserMessage(canceled, AppendInput{ClientID: "c", Text: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled ctx err=%v", err)
	}
}

func TestInMemoryStore_Conversations(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.Ensure(ctx, "a")
	_ = s.Ensure(ctx, "b")

	out, err := s.Conversations(ctx, []string{"b", "zzz", "a"})
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(out) != 2 || out[0].ClientID != "b" || out[1].ClientID != "a" {
		t.Fatalf("out=%+v", out)
	}
	for _, c := range out {
		if c.Messages == nil {
			t.Fatalf("messages must encode as [] not null")
		}
	}
}
