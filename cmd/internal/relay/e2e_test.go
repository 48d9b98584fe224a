package relay

import (
	"context"
	"testing"
	"time"

	"desk/cmd/internal/desk"
	v1 "desk/shared/contracts/desk/v1"
)

// TestDeskAgainstRelay runs the desk engine over a real websocket against the relay.
func TestDeskAgainstRelay(t *testing.T) {
	t.Parallel()

	r := startRelay(t)

	visitor := dialRelay(t, r.url+"/ws/user")
	vrec := record(visitor, v1.EventAgentMessage)
	erin := registerVisitor(t, visitor, "Erin")

	agent := dialRelay(t, r.url+"/ws/agent")
	engine := desk.NewEngine(agent, desk.WithLogger(discardLogger()), desk.WithFetchTimeout(2*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()
	t.Cleanup(engine.Close)

	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitView(t, engine, func(v desk.View) bool { return len(v.Roster) == 1 })

	if err := visitor.Emit(ctx, v1.EventUserMessage, v1.UserMessagePayload{Text: "is anyone there?"}); err != nil {
		t.Fatalf("user-message: %v", err)
	}
	waitView(t, engine, func(v desk.View) bool {
		c, ok := v.Conversations[erin.ID]
		return ok && c.Unread == 1 && len(c.Messages) == 1
	})

	if err := engine.Select(ctx, erin.ID); err != nil {
		t.Fatalf("Select: %v", err)
	}
	v := engine.View()
	if c := v.Conversations[erin.ID]; c.Unread != 0 || len(c.Messages) != 1 {
		t.Fatalf("after select conversation=%+v", c)
	}

	if err := engine.Send(ctx, "yes, how can I help?"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got v1.AgentMessageDelivery
	vrec.next(t, v1.EventAgentMessage, &got)
	if got.Message.Text != "yes, how can I help?" || got.Message.ClientID != erin.ID {
		t.Fatalf("visitor received %+v", got.Message)
	}

	// The next visitor message carries the persisted reply; the optimistic copy must not duplicate.
	if err := visitor.Emit(ctx, v1.EventUserMessage, v1.UserMessagePayload{Text: "thanks"}); err != nil {
		t.Fatalf("user-message: %v", err)
	}
	waitView(t, engine, func(v desk.View) bool {
		c := v.Conversations[erin.ID]
		return len(c.Messages) == 3 && v.Pending == 0
	})
	if c := engine.View().Conversations[erin.ID]; c.Unread != 0 {
		t.Fatalf("selected conversation unread=%d", c.Unread)
	}

	_ = visitor.Close()
	waitView(t, engine, func(v desk.View) bool { return len(v.Roster) == 0 && v.Selected == "" })
}

func waitView(t *testing.T, e *desk.Engine, cond func(desk.View) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond(e.View()) {
			return
		}
		select {
		case <-e.Updates():
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("view condition not met; last view: %+v", e.View())
		}
	}
}
