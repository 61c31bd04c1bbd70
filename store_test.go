package chatcore

import (
	"testing"
	"time"
)

func TestStoreUnreadAggregation(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("inactive conversation accumulates unread", func(t *testing.T) {
		s := NewStore()
		s.Ensure("chat-1", KindDirect)

		s.ApplyIngest("chat-1", msgAt("1", "alice", "one", base), false, false)
		s.ApplyIngest("chat-1", msgAt("2", "alice", "two", base.Add(time.Minute)), false, false)

		if got := s.Get("chat-1").Unread; got != 2 {
			t.Fatalf("unread = %d, want 2", got)
		}
	})

	t.Run("active conversation stays at zero", func(t *testing.T) {
		s := NewStore()
		s.Ensure("chat-1", KindDirect)

		s.ApplyIngest("chat-1", msgAt("1", "alice", "one", base), false, true)
		if got := s.Get("chat-1").Unread; got != 0 {
			t.Fatalf("unread = %d, want 0", got)
		}
	})

	t.Run("own messages never count", func(t *testing.T) {
		s := NewStore()
		s.Ensure("chat-1", KindDirect)

		s.ApplyIngest("chat-1", msgAt("1", "alice", "one", base), false, false)
		s.ApplyIngest("chat-1", msgAt("2", "me", "reply", base.Add(time.Minute)), true, false)

		if got := s.Get("chat-1").Unread; got != 0 {
			t.Fatalf("unread = %d, want 0 after own message", got)
		}
	})

	t.Run("reset clears the counter", func(t *testing.T) {
		s := NewStore()
		s.Ensure("chat-1", KindDirect)
		s.ApplyIngest("chat-1", msgAt("1", "alice", "one", base), false, false)

		s.ResetUnread("chat-1")
		if got := s.Get("chat-1").Unread; got != 0 {
			t.Fatalf("unread = %d, want 0", got)
		}
	})

	t.Run("summary updates unconditionally", func(t *testing.T) {
		s := NewStore()
		s.Ensure("chat-1", KindDirect)

		s.ApplyIngest("chat-1", msgAt("1", "me", "mine", base), true, false)
		c := s.Get("chat-1")
		if c.LastMessage.Text != "mine" {
			t.Fatalf("summary = %q", c.LastMessage.Text)
		}

		s.ApplyIngest("chat-1", msgAt("2", "alice", "theirs", base.Add(time.Minute)), false, true)
		if c.LastMessage.Text != "theirs" {
			t.Fatalf("summary = %q", c.LastMessage.Text)
		}
	})

	t.Run("call invites collapse in the summary", func(t *testing.T) {
		s := NewStore()
		s.Ensure("chat-1", KindDirect)

		invite := FormatCallInvite(CallInvite{URL: "https://call.test/1"})
		s.ApplyIngest("chat-1", msgAt("1", "alice", invite, base), false, false)

		if got := s.Get("chat-1").LastMessage.Text; got != CallInviteLabel {
			t.Fatalf("summary = %q, want %q", got, CallInviteLabel)
		}
	})
}

func TestStoreSorting(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore()
	s.Ensure("old", KindDirect)
	s.Ensure("fresh", KindDirect)
	s.Ensure("middle", KindGroup)

	s.ApplyIngest("old", msgAt("1", "a", "x", base), false, false)
	s.ApplyIngest("middle", msgAt("2", "b", "y", base.Add(time.Hour)), false, false)
	s.ApplyIngest("fresh", msgAt("3", "c", "z", base.Add(2*time.Hour)), false, false)

	got := s.Sorted()
	want := []string{"fresh", "middle", "old"}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("order = [%s %s %s], want %v", got[0].ID, got[1].ID, got[2].ID, want)
		}
	}

	// New activity on the oldest conversation moves it to the front.
	s.ApplyIngest("old", msgAt("4", "a", "latest", base.Add(3*time.Hour)), false, false)
	if got := s.Sorted(); got[0].ID != "old" {
		t.Fatalf("front = %s, want old", got[0].ID)
	}
}

func TestStoreTotalUnread(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore()
	s.Ensure("d1", KindDirect)
	s.Ensure("d2", KindDirect)
	s.Ensure("g1", KindGroup)

	s.ApplyIngest("d1", msgAt("1", "a", "x", base), false, false)
	s.ApplyIngest("d2", msgAt("2", "b", "y", base), false, false)
	s.ApplyIngest("d2", msgAt("3", "b", "z", base), false, false)
	s.ApplyIngest("g1", msgAt("4", "c", "w", base), false, false)

	if got := s.TotalUnread(KindDirect); got != 3 {
		t.Fatalf("direct unread = %d, want 3", got)
	}
	if got := s.TotalUnread(KindGroup); got != 1 {
		t.Fatalf("group unread = %d, want 1", got)
	}
}

func TestStoreRoster(t *testing.T) {
	s := NewStore()
	s.Ensure("g1", KindGroup)

	t.Run("set roster marks admins", func(t *testing.T) {
		s.SetRoster("g1", []Member{
			{ID: "alice", DisplayName: "Alice"},
			{ID: "bob", DisplayName: "Bob"},
		}, []string{"alice"})

		c := s.Get("g1")
		if !c.RosterLoaded() {
			t.Fatal("roster not marked loaded")
		}
		if !c.Roster[0].Admin || c.Roster[1].Admin {
			t.Fatalf("admin flags = %+v", c.Roster)
		}
		if got := c.MemberName("bob"); got != "Bob" {
			t.Fatalf("name = %q", got)
		}
	})

	t.Run("unknown sender gets a placeholder", func(t *testing.T) {
		s.PatchRoster("g1", "carol")
		if got := s.Get("g1").MemberName("carol"); got != "Unknown" {
			t.Fatalf("name = %q, want Unknown", got)
		}
	})

	t.Run("known senders are not duplicated", func(t *testing.T) {
		before := len(s.Get("g1").Roster)
		s.PatchRoster("g1", "alice")
		if after := len(s.Get("g1").Roster); after != before {
			t.Fatalf("roster grew from %d to %d", before, after)
		}
	})

	t.Run("unloaded rosters are left alone", func(t *testing.T) {
		s.Ensure("g2", KindGroup)
		s.PatchRoster("g2", "dave")
		if got := len(s.Get("g2").Roster); got != 0 {
			t.Fatalf("roster = %d entries, want 0", got)
		}
	})
}
