package chatcore

import (
	"sort"
	"time"
)

// ============================================================================
// Presence Tracker
// ============================================================================

// PresenceState is the known presence of a user.
type PresenceState string

const (
	PresenceUnknown PresenceState = "unknown"
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// PresenceTracker maintains the online-user set. It is mutated only by
// explicit online/offline events or by a full snapshot, which replaces the
// set outright.
type PresenceTracker struct {
	online map[string]struct{}
	seen   map[string]struct{}
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		online: make(map[string]struct{}),
		seen:   make(map[string]struct{}),
	}
}

// SetOnline applies a single user:online / user:offline event.
func (p *PresenceTracker) SetOnline(userID string, online bool) {
	p.seen[userID] = struct{}{}
	if online {
		p.online[userID] = struct{}{}
	} else {
		delete(p.online, userID)
	}
}

// ApplySnapshot replaces the online set with the snapshot. Users previously
// seen but absent from the snapshot become offline; users never seen remain
// unknown.
func (p *PresenceTracker) ApplySnapshot(userIDs []string) {
	p.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		p.online[id] = struct{}{}
		p.seen[id] = struct{}{}
	}
}

// Online reports whether the user is currently online.
func (p *PresenceTracker) Online(userID string) bool {
	_, ok := p.online[userID]
	return ok
}

// State returns the tracked presence state of a user.
func (p *PresenceTracker) State(userID string) PresenceState {
	if _, ok := p.online[userID]; ok {
		return PresenceOnline
	}
	if _, ok := p.seen[userID]; ok {
		return PresenceOffline
	}
	return PresenceUnknown
}

// OnlineUsers returns the sorted set of online user ids.
func (p *PresenceTracker) OnlineUsers() []string {
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Typing Tracker
// ============================================================================

// TypingTimeout is how long a typing indicator stays up without a refresh.
const TypingTimeout = 3 * time.Second

// TypingKey identifies a typing entry.
type TypingKey struct {
	ConversationID string
	UserID         string
}

// TypingTracker maps (conversation, user) to an expiry instant. A new typing
// event restarts the window; timers do not stack. The tracker is pure over
// supplied instants so the expiry machinery is deterministic under test; the
// session schedules the actual timer callbacks.
type TypingTracker struct {
	expiry map[TypingKey]time.Time
}

// NewTypingTracker creates an empty tracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{expiry: make(map[TypingKey]time.Time)}
}

// Refresh records a typing event at now and returns the new expiry deadline.
func (t *TypingTracker) Refresh(key TypingKey, now time.Time) time.Time {
	deadline := now.Add(TypingTimeout)
	t.expiry[key] = deadline
	return deadline
}

// Expire removes the entry if its deadline is the one that fired. A stale
// timer carrying a superseded deadline is ignored, which is what makes
// refresh restart the window rather than stack expirations.
func (t *TypingTracker) Expire(key TypingKey, deadline time.Time) bool {
	current, ok := t.expiry[key]
	if !ok || current.After(deadline) {
		return false
	}
	delete(t.expiry, key)
	return true
}

// Typing reports whether the entry is live at now.
func (t *TypingTracker) Typing(key TypingKey, now time.Time) bool {
	deadline, ok := t.expiry[key]
	return ok && deadline.After(now)
}

// ActiveTypists returns the sorted user ids typing in a conversation at now.
func (t *TypingTracker) ActiveTypists(conversationID string, now time.Time) []string {
	var out []string
	for key, deadline := range t.expiry {
		if key.ConversationID == conversationID && deadline.After(now) {
			out = append(out, key.UserID)
		}
	}
	sort.Strings(out)
	return out
}

// Reset drops all typing entries.
func (t *TypingTracker) Reset() {
	t.expiry = make(map[TypingKey]time.Time)
}
