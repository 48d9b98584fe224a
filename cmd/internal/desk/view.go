package desk

import v1 "desk/shared/contracts/desk/v1"

// RosterEntry is one roster row as the presentation layer renders it.
// A client without a conversation renders as "no unread, no history".
type RosterEntry struct {
	Client          v1.Client
	Unread          int
	HasConversation bool
}

// View is an immutable snapshot of engine state for the presentation layer. Do not modify its
// slices or maps.
type View struct {
	Roster        []RosterEntry
	Conversations map[string]v1.Conversation

	// Selected is "" when no conversation is selected.
	Selected string
	// FetchErr is the last read-repair failure for Selected, if any. Distinguishes
	// "selected but fetch failed" from "no conversation selected".
	FetchErr error
	// Pending counts unconfirmed optimistic messages in the selected conversation.
	Pending int
}

// SelectedConversation returns the selected conversation, if any.
func (v View) SelectedConversation() (v1.Conversation, bool) {
	if v.Selected == "" {
		return v1.Conversation{}, false
	}
	c, ok := v.Conversations[v.Selected]
	return c, ok
}

// TotalUnread sums unread across the roster.
func (v View) TotalUnread() int {
	n := 0
	for _, r := range v.Roster {
		n += r.Unread
	}
	return n
}

// View builds a snapshot of the store for readers outside the engine loop. Conversations that
// did not change since the previous View share their message slices with it, so readers must
// treat a View as read-only.
func (s *Store) View() View {
	v := View{
		Roster:        make([]RosterEntry, 0, len(s.order)),
		Conversations: make(map[string]v1.Conversation, len(s.convs)),
		Selected:      s.selected,
	}
	for _, id := range s.order {
		e := RosterEntry{Client: s.clients[id]}
		if cv := s.convs[id]; cv != nil {
			e.Unread = cv.unread
			e.HasConversation = true
		}
		v.Roster = append(v.Roster, e)
	}
	for id, cv := range s.convs {
		v.Conversations[id] = cv.view()
	}
	if s.selected != "" {
		v.FetchErr = s.fetchErr[s.selected]
		if cv := s.convs[s.selected]; cv != nil {
			v.Pending = len(cv.pending)
		}
	}
	return v
}
