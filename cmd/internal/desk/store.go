package desk

import (
	"strings"
	"time"

	v1 "desk/shared/contracts/desk/v1"
)

// Store holds the roster, the conversation map and the selection.
//
// Invariants kept by every mutation:
//   - conversation keys are a subset of roster ids
//   - the selected conversation has unread == 0
//   - selection, when set, names a roster client
//
// Store has a single writer (the engine loop) and is not safe for concurrent use.
type Store struct {
	order   []string // roster ids in arrival order
	clients map[string]v1.Client
	convs   map[string]*conversation

	selected string
	fetchErr map[string]error

	snapshots int
	gone      *tombstones

	rev uint64 // bumped on every conversation content change
}

// conversation is the local copy of a server conversation, including agent messages the relay
// has not confirmed yet.
type conversation struct {
	clientID string
	messages []v1.Message
	unread   int
	pending  map[string]struct{} // clientMsgId of unconfirmed optimistic messages

	rev  uint64
	snap *v1.Conversation // cached view copy, nil when stale
}

// NewStore returns an empty store.
func NewStore() *Store {
	return newStore(defaultTombstoneTTL, defaultTombstoneMax)
}

func newStore(ttl time.Duration, maxTombstones int) *Store {
	return &Store{
		clients:  make(map[string]v1.Client),
		convs:    make(map[string]*conversation),
		fetchErr: make(map[string]error),
		gone:     newTombstones(ttl, maxTombstones),
	}
}

// ---- push events ----

// ApplySnapshot replaces roster and conversations wholesale. Clients without a listed
// conversation have no entry; conversations for unlisted clients are dropped.
// It returns the ids of conversations dropped that way.
func (s *Store) ApplySnapshot(p v1.ExistingConversationsPayload) (dropped []string) {
	s.snapshots++
	s.order = s.order[:0]
	s.clients = make(map[string]v1.Client, len(p.Clients))
	s.convs = make(map[string]*conversation, len(p.Conversations))
	s.fetchErr = make(map[string]error)

	for _, c := range p.Clients {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			continue
		}
		if _, dup := s.clients[id]; !dup {
			s.order = append(s.order, id)
		}
		c.ID = id
		s.clients[id] = c
		s.gone.forget(id)
	}

	for _, c := range p.Conversations {
		if _, ok := s.clients[c.ClientID]; !ok || c.Validate() != nil {
			dropped = append(dropped, c.ClientID)
			continue
		}
		cv := fromWire(c)
		s.touch(cv)
		s.convs[c.ClientID] = cv
	}

	if s.selected != "" {
		if _, ok := s.clients[s.selected]; !ok {
			s.selected = ""
		} else if cv := s.convs[s.selected]; cv != nil {
			cv.setUnread(0)
		}
	}
	return dropped
}

// ApplyConnected adds the client (if absent) and overwrites its conversation verbatim.
func (s *Store) ApplyConnected(p v1.UserConnectedPayload) error {
	if err := p.Validate(); err != nil {
		return malformed(v1.EventUserConnected, p.ClientID, err.Error())
	}
	id := p.ClientID

	if c, ok := s.clients[id]; ok {
		// A placeholder created by an out-of-order message carries the id as its name.
		if c.Name == id && strings.TrimSpace(p.Name) != "" {
			c.Name = p.Name
			s.clients[id] = c
		}
	} else {
		s.addClient(v1.Client{ID: id, Name: p.Name})
	}
	s.gone.forget(id)

	conv := p.Conversation
	conv.ClientID = id
	cv := fromWire(conv)
	if id == s.selected {
		cv.unread = 0
	}
	s.touch(cv)
	s.convs[id] = cv
	return nil
}

// ApplyDisconnected removes the client and its conversation. It reports whether the client
// was the current selection (which is cleared).
func (s *Store) ApplyDisconnected(clientID string, now time.Time) (wasSelected bool, err error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return false, malformed(v1.EventUserDisconnected, "", "missing clientId")
	}

	s.removeClient(clientID)
	delete(s.convs, clientID)
	delete(s.fetchErr, clientID)
	s.gone.mark(clientID, now)

	if s.selected == clientID {
		s.selected = ""
		return true, nil
	}
	return false, nil
}

// ApplyIncoming merges a full server conversation after a visitor message.
//
// Unread policy, evaluated against the selection at call time:
//   - selected: 0
//   - not selected, known: previous unread + 1
//   - not selected, no previous entry: 0
func (s *Store) ApplyIncoming(conv v1.Conversation, now time.Time) error {
	if err := conv.Validate(); err != nil {
		return malformed(v1.EventNewUserMessage, conv.ClientID, err.Error())
	}
	id := conv.ClientID

	if _, known := s.clients[id]; !known {
		if s.gone.has(id, now) {
			return &EventError{Event: v1.EventNewUserMessage, ClientID: id, Err: ErrStaleEvent}
		}
		s.addClient(v1.Client{ID: id, Name: id})
	}

	prev := s.convs[id]
	next := fromWire(conv)

	switch {
	case id == s.selected:
		next.unread = 0
	case prev != nil:
		next.unread = prev.unread + 1
	default:
		next.unread = 0
	}

	if prev != nil {
		mergeInto(next, prev)
	}
	s.touch(next)
	s.convs[id] = next
	return nil
}

// ---- local intents ----

// Select sets the selection. Unknown ids are rejected and the prior selection is kept.
func (s *Store) Select(clientID string) error {
	if _, ok := s.clients[clientID]; !ok {
		return ErrUnknownSelectionTarget
	}
	s.selected = clientID
	delete(s.fetchErr, clientID)
	if cv := s.convs[clientID]; cv != nil {
		cv.setUnread(0)
	}
	return nil
}

// Deselect clears the selection.
func (s *Store) Deselect() {
	s.selected = ""
}

// ReadRepair overwrites the conversation with a freshly fetched server copy and forces unread
// to 0. Ignored for clients no longer in the roster.
//
// since is the Revision read before the fetch was sent. If the conversation changed after that
// point, the fetched copy may be older than what is held locally, so the local copy is merged
// in as for a push. Otherwise optimistic local messages are discarded.
func (s *Store) ReadRepair(conv v1.Conversation, since uint64) bool {
	if conv.Validate() != nil {
		return false
	}
	if _, ok := s.clients[conv.ClientID]; !ok {
		return false
	}
	cv := fromWire(conv)
	if prev := s.convs[conv.ClientID]; prev != nil && prev.rev > since {
		mergeInto(cv, prev)
	}
	cv.unread = 0
	s.touch(cv)
	s.convs[conv.ClientID] = cv
	delete(s.fetchErr, conv.ClientID)
	return true
}

// RecordFetchFailure keeps the prior entry and remembers err for the presentation layer.
func (s *Store) RecordFetchFailure(clientID string, err error) {
	if _, ok := s.clients[clientID]; !ok {
		return
	}
	s.fetchErr[clientID] = err
}

// AppendLocal appends an optimistic agent message to the selected conversation.
func (s *Store) AppendLocal(m v1.Message) error {
	if s.selected == "" {
		return ErrNoSelection
	}
	cv := s.convs[s.selected]
	if cv == nil {
		cv = &conversation{clientID: s.selected}
		s.convs[s.selected] = cv
	}
	m.ClientID = s.selected
	m.IsAgent = true
	cv.messages = append(cv.messages, m)
	s.touch(cv)
	if m.ClientMsgID != "" {
		if cv.pending == nil {
			cv.pending = make(map[string]struct{})
		}
		cv.pending[m.ClientMsgID] = struct{}{}
	}
	return nil
}

// ---- reads ----

// Revision identifies the latest conversation change. It only grows.
func (s *Store) Revision() uint64 { return s.rev }

// Selected returns the selected client id ("" for none).
func (s *Store) Selected() string { return s.selected }

// HasClient reports whether id is in the roster.
func (s *Store) HasClient(id string) bool {
	_, ok := s.clients[id]
	return ok
}

// Conversation returns a copy of the conversation for id.
func (s *Store) Conversation(id string) (v1.Conversation, bool) {
	cv := s.convs[id]
	if cv == nil {
		return v1.Conversation{}, false
	}
	return cv.wire(), true
}

// Clients returns the roster in arrival order.
func (s *Store) Clients() []v1.Client {
	out := make([]v1.Client, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.clients[id])
	}
	return out
}

// ---- helpers ----

func (s *Store) addClient(c v1.Client) {
	s.order = append(s.order, c.ID)
	s.clients[c.ID] = c
}

func (s *Store) touch(cv *conversation) {
	s.rev++
	cv.rev = s.rev
	cv.snap = nil
}

func (s *Store) removeClient(id string) {
	if _, ok := s.clients[id]; !ok {
		return
	}
	delete(s.clients, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func fromWire(c v1.Conversation) *conversation {
	unread := c.Unread
	if unread < 0 {
		unread = 0
	}
	return &conversation{
		clientID: c.ClientID,
		messages: append([]v1.Message(nil), c.Messages...),
		unread:   unread,
	}
}

func (c *conversation) setUnread(n int) {
	if c.unread != n {
		c.unread = n
		c.snap = nil
	}
}

// view returns the cached copy, rebuilding it after a change. Callers must not mutate it.
func (c *conversation) view() v1.Conversation {
	if c.snap == nil {
		w := c.wire()
		c.snap = &w
	}
	return *c.snap
}

func (c *conversation) wire() v1.Conversation {
	msgs := make([]v1.Message, len(c.messages))
	copy(msgs, c.messages)
	return v1.Conversation{ClientID: c.clientID, Messages: msgs, Unread: c.unread}
}
