package chatcore

import (
	"context"
	"testing"
	"time"
)

type emitCall struct {
	event   string
	payload any
}

type fakeTransport struct {
	emits []emitCall
}

func (f *fakeTransport) Emit(ctx context.Context, event string, payload any) error {
	f.emits = append(f.emits, emitCall{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) eventsNamed(name string) []emitCall {
	var out []emitCall
	for _, e := range f.emits {
		if e.event == name {
			out = append(out, e)
		}
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSession(SessionConfig{
		UserID:    "me",
		Token:     "tok",
		Transport: tr,
		Now:       func() time.Time { return clock },
	})
	return s, tr
}

// drainTasks runs queued tasks synchronously, standing in for the Run loop.
func drainTasks(s *Session) {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		default:
			return
		}
	}
}

func directEvent(id, chatID, sender, content string, at time.Time) MessageEvent {
	return MessageEvent{
		ID:          id,
		ChatID:      chatID,
		SenderID:    sender,
		Content:     content,
		DeliveredAt: at.Format(time.RFC3339Nano),
	}
}

func TestSessionSendText(t *testing.T) {
	t.Run("whitespace only is a no-op", func(t *testing.T) {
		s, tr := newTestSession(t)
		s.SelectGroup("g1", "Study Group")
		tr.emits = nil

		s.SendText("   \n\t ")
		if len(tr.emits) != 0 {
			t.Fatalf("emits = %v", tr.emits)
		}
		if got := s.store.Get("g1").Log.Len(); got != 0 {
			t.Fatalf("log entries = %d, want 0", got)
		}
	})

	t.Run("no selection is a no-op", func(t *testing.T) {
		s, tr := newTestSession(t)
		s.SendText("hello")
		if len(tr.emits) != 0 {
			t.Fatalf("emits = %v", tr.emits)
		}
	})

	t.Run("group send appends provisional and emits", func(t *testing.T) {
		s, tr := newTestSession(t)
		s.SelectGroup("g1", "Study Group")
		tr.emits = nil

		s.SendText("hello group")

		c := s.store.Get("g1")
		if c.Log.Len() != 1 {
			t.Fatalf("log entries = %d, want 1", c.Log.Len())
		}
		m := c.Log.Messages()[0]
		if !m.Provisional() || m.Delivery != DeliveryPending {
			t.Fatalf("entry = %+v", m)
		}
		sends := tr.eventsNamed(EmitGroupMessageSend)
		if len(sends) != 1 {
			t.Fatalf("group sends = %d, want 1", len(sends))
		}
		p := sends[0].payload.(GroupSendPayload)
		if p.GroupID != "g1" || p.Content != "hello group" {
			t.Fatalf("payload = %+v", p)
		}
		if c.LastMessage.Text != "hello group" {
			t.Fatalf("summary = %q", c.LastMessage.Text)
		}
	})

	t.Run("resolved direct send emits to counterpart", func(t *testing.T) {
		s, tr := newTestSession(t)
		s.resolver.Learn("alice", "chat-1")
		s.SelectDirect("alice")
		tr.emits = nil

		s.SendText("hi alice")

		sends := tr.eventsNamed(EmitMessageSend)
		if len(sends) != 1 {
			t.Fatalf("sends = %d, want 1", len(sends))
		}
		p := sends[0].payload.(SendMessagePayload)
		if p.ToUserID != "alice" || p.Content != "hi alice" {
			t.Fatalf("payload = %+v", p)
		}
		if got := s.store.Get("chat-1").Log.Len(); got != 1 {
			t.Fatalf("log entries = %d, want 1", got)
		}
	})

	t.Run("unresolved direct send defers and flushes on resolve", func(t *testing.T) {
		s, tr := newTestSession(t)
		var anomalies []Anomaly
		s.OnAnomaly(func(a Anomaly) { anomalies = append(anomalies, a) })

		s.SelectDirect("alice")
		s.SendText("sent too early")

		if len(anomalies) != 1 || anomalies[0].Kind != AnomalyUnresolvedSend {
			t.Fatalf("anomalies = %v", anomalies)
		}
		if got := tr.eventsNamed(EmitMessageSend); len(got) != 0 {
			t.Fatalf("premature sends = %v", got)
		}
		pending := s.PendingSends("alice")
		if len(pending) != 1 {
			t.Fatalf("pending sends = %d, want 1", len(pending))
		}
		if m := pending[0]; !m.Provisional() || m.Delivery != DeliveryPending || m.Text != "sent too early" {
			t.Fatalf("pending entry = %+v", m)
		}

		s.finishDirectHistory("alice", "chat-1", nil)

		if got := s.PendingSends("alice"); len(got) != 0 {
			t.Fatalf("pending sends after resolve = %d, want 0", len(got))
		}

		sends := tr.eventsNamed(EmitMessageSend)
		if len(sends) != 1 {
			t.Fatalf("sends after resolve = %d, want 1", len(sends))
		}
		c := s.store.Get("chat-1")
		if c.Log.Len() != 1 {
			t.Fatalf("log entries = %d, want 1", c.Log.Len())
		}
		if m := c.Log.Messages()[0]; !m.Provisional() || m.Delivery != DeliveryPending {
			t.Fatalf("entry = %+v", m)
		}
	})
}

func TestSessionInboundMessages(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("inactive conversation accumulates unread", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.handleEvent(directEvent("m1", "chat-1", "alice", "one", base))
		s.handleEvent(directEvent("m2", "chat-1", "alice", "two", base.Add(time.Minute)))

		c := s.store.Get("chat-1")
		if c == nil {
			t.Fatal("conversation not created")
		}
		if c.Unread != 2 {
			t.Fatalf("unread = %d, want 2", c.Unread)
		}
		if c.Log.Len() != 2 {
			t.Fatalf("log entries = %d, want 2", c.Log.Len())
		}
	})

	t.Run("active conversation acknowledges immediately", func(t *testing.T) {
		s, tr := newTestSession(t)
		s.resolver.Learn("alice", "chat-1")
		s.SelectDirect("alice")
		tr.emits = nil

		s.handleEvent(directEvent("m1", "chat-1", "alice", "hi", base))

		c := s.store.Get("chat-1")
		if c.Unread != 0 {
			t.Fatalf("unread = %d, want 0", c.Unread)
		}
		receipts := tr.eventsNamed(EmitMessageRead)
		if len(receipts) != 1 {
			t.Fatalf("receipts = %d, want 1", len(receipts))
		}
		p := receipts[0].payload.(ReadReceiptPayload)
		if p.MessageID != "m1" || p.ToUserID != "alice" {
			t.Fatalf("payload = %+v", p)
		}
		if got := c.Log.Get("m1").Delivery; got != DeliveryRead {
			t.Fatalf("delivery = %v, want read", got)
		}
	})

	t.Run("open chat adopts the id resolved from the incoming message", func(t *testing.T) {
		s, tr := newTestSession(t)
		s.SelectDirect("alice")
		tr.emits = nil

		s.handleEvent(directEvent("m1", "chat-1", "alice", "hi", base))

		if s.active.conversationID != "chat-1" {
			t.Fatalf("active = %q, want chat-1", s.active.conversationID)
		}
		c := s.store.Get("chat-1")
		if c.Unread != 0 {
			t.Fatalf("unread = %d, want 0", c.Unread)
		}
		receipts := tr.eventsNamed(EmitMessageRead)
		if len(receipts) != 1 {
			t.Fatalf("receipts = %d, want 1", len(receipts))
		}
		if p := receipts[0].payload.(ReadReceiptPayload); p.MessageID != "m1" {
			t.Fatalf("payload = %+v", p)
		}
	})

	t.Run("messages for other chats do not touch the open selection", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.SelectDirect("alice")

		s.handleEvent(directEvent("m1", "chat-2", "bob", "hi", base))

		if s.active.conversationID != "" {
			t.Fatalf("active = %q, want unresolved", s.active.conversationID)
		}
		if got := s.store.Get("chat-2").Unread; got != 1 {
			t.Fatalf("unread = %d, want 1", got)
		}
	})

	t.Run("duplicates do not double count", func(t *testing.T) {
		s, _ := newTestSession(t)
		ev := directEvent("m1", "chat-1", "alice", "hi", base)
		s.handleEvent(ev)
		s.handleEvent(ev)

		c := s.store.Get("chat-1")
		if c.Unread != 1 || c.Log.Len() != 1 {
			t.Fatalf("unread = %d, entries = %d", c.Unread, c.Log.Len())
		}
	})

	t.Run("own echo reconciles the provisional", func(t *testing.T) {
		s, tr := newTestSession(t)
		s.resolver.Learn("alice", "chat-1")
		s.SelectDirect("alice")
		s.SendText("hi alice")
		tr.emits = nil

		echo := directEvent("srv-1", "chat-1", "me", "hi alice", base.Add(time.Second))
		s.handleEvent(echo)

		c := s.store.Get("chat-1")
		if c.Log.Len() != 1 {
			t.Fatalf("log entries = %d, want 1", c.Log.Len())
		}
		if got := c.Log.Messages()[0].ID; got != "srv-1" {
			t.Fatalf("id = %q, want srv-1", got)
		}
		if c.Unread != 0 {
			t.Fatalf("unread = %d, want 0", c.Unread)
		}
	})

	t.Run("missing chat id is dropped with an anomaly", func(t *testing.T) {
		s, _ := newTestSession(t)
		var anomalies []Anomaly
		s.OnAnomaly(func(a Anomaly) { anomalies = append(anomalies, a) })

		s.handleEvent(directEvent("m1", "", "alice", "hi", base))

		if len(anomalies) != 1 || anomalies[0].Kind != AnomalyMissingChatID {
			t.Fatalf("anomalies = %v", anomalies)
		}
		if s.store.Len() != 0 {
			t.Fatal("conversation created for dropped event")
		}
	})

	t.Run("group sender missing from roster is patched", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.store.Ensure("g1", KindGroup)
		s.store.SetRoster("g1", []Member{{ID: "alice", DisplayName: "Alice"}}, nil)

		ev := directEvent("m1", "g1", "carol", "hi", base)
		ev.Group = true
		s.handleEvent(ev)

		if got := s.store.Get("g1").MemberName("carol"); got != "Unknown" {
			t.Fatalf("name = %q, want Unknown", got)
		}
	})
}

func TestSessionSelection(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("selecting resets unread and sends receipts", func(t *testing.T) {
		s, tr := newTestSession(t)
		s.handleEvent(directEvent("m1", "chat-1", "alice", "one", base))
		s.handleEvent(directEvent("m2", "chat-1", "alice", "two", base.Add(time.Minute)))
		s.resolver.Learn("alice", "chat-1")
		tr.emits = nil

		s.SelectDirect("alice")

		c := s.store.Get("chat-1")
		if c.Unread != 0 {
			t.Fatalf("unread = %d, want 0", c.Unread)
		}
		if got := len(tr.eventsNamed(EmitMessageRead)); got != 2 {
			t.Fatalf("receipts = %d, want 2", got)
		}
		// A second selection finds nothing left to acknowledge.
		tr.emits = nil
		s.SelectDirect("alice")
		if got := len(tr.eventsNamed(EmitMessageRead)); got != 0 {
			t.Fatalf("repeat receipts = %d, want 0", got)
		}
	})

	t.Run("group selection uses group receipts", func(t *testing.T) {
		s, tr := newTestSession(t)
		ev := directEvent("m1", "g1", "alice", "hi", base)
		ev.Group = true
		s.handleEvent(ev)
		tr.emits = nil

		s.SelectGroup("g1", "Study Group")

		receipts := tr.eventsNamed(EmitGroupMessageRead)
		if len(receipts) != 1 {
			t.Fatalf("receipts = %d, want 1", len(receipts))
		}
		if p := receipts[0].payload.(ReadReceiptPayload); p.ToUserID != "" {
			t.Fatalf("group receipt carries a user id: %+v", p)
		}
	})

	t.Run("history rows never regress the live summary", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.SelectDirect("alice")
		s.handleEvent(directEvent("live-1", "chat-1", "alice", "newest", base.Add(time.Hour)))

		s.finishDirectHistory("alice", "chat-1", []*Message{
			msgAt("h1", "alice", "older row", base),
		})

		c := s.store.Get("chat-1")
		if c.LastMessage.Text != "newest" {
			t.Fatalf("summary = %q, want newest", c.LastMessage.Text)
		}
		if !c.LastMessage.At.Equal(base.Add(time.Hour)) {
			t.Fatalf("summary at = %v", c.LastMessage.At)
		}
	})

	t.Run("history fetch learns mapping and syncs the log", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.SelectDirect("alice")

		s.finishDirectHistory("alice", "chat-1", []*Message{
			msgAt("h1", "alice", "old", base),
			msgAt("h2", "me", "older reply", base.Add(time.Minute)),
		})

		if id, ok := s.resolver.ConversationID("alice"); !ok || id != "chat-1" {
			t.Fatalf("mapping = %q, %v", id, ok)
		}
		c := s.store.Get("chat-1")
		if c.Log.Len() != 2 {
			t.Fatalf("log entries = %d, want 2", c.Log.Len())
		}
		if s.active.conversationID != "chat-1" {
			t.Fatalf("active = %q, want chat-1", s.active.conversationID)
		}
	})
}

func TestSessionTypingAndPresence(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("counterpart typing shows in the active chat", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.SelectDirect("alice")

		s.handleEvent(TypingEvent{FromUserID: "alice"})

		typists := s.ActiveTypists()
		if len(typists) != 1 || typists[0] != "alice" {
			t.Fatalf("typists = %v", typists)
		}
	})

	t.Run("own group typing echo is ignored", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.SelectGroup("g1", "")

		s.handleEvent(GroupTypingEvent{FromUserID: "me", GroupID: "g1"})
		if got := s.ActiveTypists(); len(got) != 0 {
			t.Fatalf("typists = %v", got)
		}

		s.handleEvent(GroupTypingEvent{FromUserID: "bob", GroupID: "g1"})
		if got := s.ActiveTypists(); len(got) != 1 || got[0] != "bob" {
			t.Fatalf("typists = %v", got)
		}
	})

	t.Run("a delivered message clears the typing indicator", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.SelectDirect("alice")
		s.handleEvent(TypingEvent{FromUserID: "alice"})

		s.handleEvent(directEvent("m1", "chat-1", "alice", "done typing", base))

		if got := s.ActiveTypists(); len(got) != 0 {
			t.Fatalf("typists = %v", got)
		}
	})

	t.Run("presence events update the tracker", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.handleEvent(PresenceEvent{UserID: "alice", Online: true})
		if !s.presence.Online("alice") {
			t.Fatal("alice should be online")
		}

		s.handleEvent(OnlineUsersEvent{UserIDs: []string{"bob"}})
		if s.presence.Online("alice") {
			t.Fatal("snapshot should have replaced the set")
		}
		if got := s.presence.State("alice"); got != PresenceOffline {
			t.Fatalf("state = %v, want offline", got)
		}
	})

	t.Run("send typing targets the active conversation", func(t *testing.T) {
		s, tr := newTestSession(t)
		s.SelectDirect("alice")
		s.SendTyping()
		s.SelectGroup("g1", "")
		s.SendTyping()

		direct := tr.eventsNamed(EmitTyping)
		if len(direct) != 1 {
			t.Fatalf("direct typing = %d, want 1", len(direct))
		}
		if p := direct[0].payload.(TypingPayload); p.ToUserID != "alice" {
			t.Fatalf("payload = %+v", p)
		}
		group := tr.eventsNamed(EmitGroupTyping)
		if len(group) != 1 {
			t.Fatalf("group typing = %d, want 1", len(group))
		}
	})
}

func TestSessionReadAndErrors(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("read receipt marks our message", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.handleEvent(directEvent("m1", "chat-1", "me", "sent by me", base))

		s.handleEvent(ReadEvent{MessageID: "m1"})

		if got := s.store.Get("chat-1").Log.Get("m1").Delivery; got != DeliveryRead {
			t.Fatalf("delivery = %v, want read", got)
		}
	})

	t.Run("group errors reach the handler", func(t *testing.T) {
		s, _ := newTestSession(t)
		var got []string
		s.OnGroupError(func(msg string) { got = append(got, msg) })

		s.handleEvent(GroupErrorEvent{Message: "not a member"})

		if len(got) != 1 || got[0] != "not a member" {
			t.Fatalf("messages = %v", got)
		}
	})
}

func TestSessionConnectionLifecycle(t *testing.T) {
	t.Run("connect announces and asks for presence", func(t *testing.T) {
		s, tr := newTestSession(t)

		s.NotifyConnectionState(StateConnected)
		drainTasks(s)

		joins := tr.eventsNamed(EmitJoin)
		if len(joins) != 1 {
			t.Fatalf("joins = %d, want 1", len(joins))
		}
		if p := joins[0].payload.(JoinPayload); p.Token != "tok" {
			t.Fatalf("payload = %+v", p)
		}
		if got := len(tr.eventsNamed(EmitGetOnlineUsers)); got != 1 {
			t.Fatalf("presence requests = %d, want 1", got)
		}
	})

	t.Run("disconnect drops typing state", func(t *testing.T) {
		s, _ := newTestSession(t)
		s.SelectDirect("alice")
		s.handleEvent(TypingEvent{FromUserID: "alice"})

		s.NotifyConnectionState(StateDisconnected)
		drainTasks(s)

		if got := s.ActiveTypists(); len(got) != 0 {
			t.Fatalf("typists = %v", got)
		}
	})

	t.Run("state handler observes transitions", func(t *testing.T) {
		s, _ := newTestSession(t)
		var states []ConnectionState
		s.OnConnectionState(func(st ConnectionState) { states = append(states, st) })

		s.NotifyConnectionState(StateConnected)
		s.NotifyConnectionState(StateReconnecting)
		drainTasks(s)

		if len(states) != 2 || states[0] != StateConnected || states[1] != StateReconnecting {
			t.Fatalf("states = %v", states)
		}
	})
}
