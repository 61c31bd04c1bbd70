package chatcore

import (
	"sort"
	"time"
)

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes direct and group chats.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Member is a group roster entry.
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"username"`
	Admin       bool   `json:"-"`
}

// Summary is the last-message preview shown in the conversation list.
type Summary struct {
	Text string
	At   time.Time
}

// Conversation is a direct or group chat thread. Conversations are created on
// first reference and persist for the session; they are never destroyed.
type Conversation struct {
	ID    string
	Kind  ConversationKind
	Title string

	// Log is owned by the reconciliation engine; other components read it
	// through projections and never mutate entries directly.
	Log Log

	Unread      int
	LastMessage Summary

	// Roster is fetched lazily on first selection for groups, then cached
	// for the session.
	Roster       []Member
	rosterLoaded bool
}

// RosterLoaded reports whether the group roster has been fetched.
func (c *Conversation) RosterLoaded() bool { return c.rosterLoaded }

// MemberName returns the display name for a roster member, or "".
func (c *Conversation) MemberName(userID string) string {
	for _, m := range c.Roster {
		if m.ID == userID {
			return m.DisplayName
		}
	}
	return ""
}

// ============================================================================
// Store
// ============================================================================

// Store is the conversation directory and unread/activity aggregator. It is
// driven by the same serialized event stream as the rest of the engine and
// needs no locking.
type Store struct {
	conversations map[string]*Conversation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{conversations: make(map[string]*Conversation)}
}

// Get returns the conversation with the given id, or nil.
func (s *Store) Get(id string) *Conversation {
	return s.conversations[id]
}

// Ensure returns the conversation, creating it on first reference.
func (s *Store) Ensure(id string, kind ConversationKind) *Conversation {
	if c, ok := s.conversations[id]; ok {
		return c
	}
	c := &Conversation{ID: id, Kind: kind}
	s.conversations[id] = c
	return c
}

// Len returns the number of known conversations.
func (s *Store) Len() int { return len(s.conversations) }

// Sorted returns conversations descending by last-message timestamp. The list
// is recomputed after every summary update, so ordering always reflects the
// latest activity.
func (s *Store) Sorted() []*Conversation {
	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessage.At.Equal(out[j].LastMessage.At) {
			return out[i].LastMessage.At.After(out[j].LastMessage.At)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TotalUnread sums unread counters across conversations of one kind.
func (s *Store) TotalUnread(kind ConversationKind) int {
	total := 0
	for _, c := range s.conversations {
		if c.Kind == kind {
			total += c.Unread
		}
	}
	return total
}

// ============================================================================
// Activity Aggregation
// ============================================================================

// ApplyIngest updates unread and last-message state for a freshly ingested
// message. The unread counter stays at zero when the conversation is active
// or the message is our own; the summary updates unconditionally, with call
// invites collapsed to their preview label.
func (s *Store) ApplyIngest(conversationID string, m *Message, mine, active bool) {
	c := s.Get(conversationID)
	if c == nil {
		return
	}
	if active || mine {
		c.Unread = 0
	} else {
		c.Unread++
	}
	c.LastMessage = Summary{Text: PreviewText(m.Text), At: m.CreatedAt}
}

// ResetUnread clears the unread counter, independent of message ingest.
func (s *Store) ResetUnread(conversationID string) {
	if c := s.Get(conversationID); c != nil {
		c.Unread = 0
	}
}

// ============================================================================
// Group Rosters
// ============================================================================

// SetRoster installs the fetched roster for a group, marking admins.
func (s *Store) SetRoster(conversationID string, members []Member, adminIDs []string) {
	c := s.Get(conversationID)
	if c == nil || c.Kind != KindGroup {
		return
	}
	admins := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	roster := make([]Member, len(members))
	for i, m := range members {
		_, m.Admin = admins[m.ID]
		roster[i] = m
	}
	c.Roster = roster
	c.rosterLoaded = true
}

// PatchRoster adds a placeholder entry for a group message sender missing
// from the cached roster, so the sender label has something to show until the
// next roster fetch.
func (s *Store) PatchRoster(conversationID, senderID string) {
	c := s.Get(conversationID)
	if c == nil || c.Kind != KindGroup || !c.rosterLoaded {
		return
	}
	if c.MemberName(senderID) != "" {
		return
	}
	c.Roster = append(c.Roster, Member{ID: senderID, DisplayName: "Unknown"})
}
