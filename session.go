package chatcore

import (
	"context"
	"strings"
	"time"
)

// ============================================================================
// Session Controller
// ============================================================================

// RosterFetcher loads a group's member list and admin ids.
type RosterFetcher func(ctx context.Context, groupID string) ([]Member, []string, error)

// DirectHistoryFetcher loads a direct chat's history for a counterpart and
// returns the server-resolved conversation id alongside the messages.
type DirectHistoryFetcher func(ctx context.Context, counterpartID string) (string, []*Message, error)

// GroupHistoryFetcher loads a group chat's history.
type GroupHistoryFetcher func(ctx context.Context, groupID string) ([]*Message, error)

// SessionConfig carries the collaborators a Session needs. Transport may be
// set here or later via SetTransport; the fetchers may be nil, in which case
// the corresponding lazy loads are skipped.
type SessionConfig struct {
	UserID    string
	Token     string
	Transport Transport

	Roster     RosterFetcher
	DirectHist DirectHistoryFetcher
	GroupHist  GroupHistoryFetcher

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// active describes the selected conversation.
type active struct {
	kind           ConversationKind
	conversationID string
	counterpartID  string
}

// Session is the conversation session controller. All state mutation runs on
// a single goroutine: external callers and the transport post work onto the
// task queue via Post and Dispatch, and Run drains it. Methods other than
// Post, Dispatch, and the Notify* entry points must be called from session
// tasks (tests in this package call them directly, which is equivalent).
type Session struct {
	cfg SessionConfig
	now func() time.Time
	ctx context.Context

	resolver *Resolver
	store    *Store
	presence *PresenceTracker
	typing   *TypingTracker

	active active

	// pendingSends buffers provisional direct messages composed before the
	// counterpart's conversation id is known. They flush when it resolves.
	pendingSends map[string][]*Message

	typingTimers map[TypingKey]*time.Timer

	tasks chan func()

	anomalyHandlers    []func(Anomaly)
	groupErrorHandlers []func(string)
	errorHandlers      []func(error)
	updateHandlers     []func()
	stateHandlers      []func(ConnectionState)
}

// NewSession creates a session for the given user.
func NewSession(cfg SessionConfig) *Session {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		cfg:          cfg,
		now:          now,
		resolver:     NewResolver(),
		store:        NewStore(),
		presence:     NewPresenceTracker(),
		typing:       NewTypingTracker(),
		pendingSends: make(map[string][]*Message),
		typingTimers: make(map[TypingKey]*time.Timer),
		tasks:        make(chan func(), 128),
	}
}

// SetTransport installs the outbound transport. The socket client takes the
// session as its sink, so the two are wired after construction. Must be
// called before Run.
func (s *Session) SetTransport(t Transport) {
	s.cfg.Transport = t
}

// ============================================================================
// Task Queue
// ============================================================================

// Run drains the task queue until ctx is cancelled. It must be called at most
// once.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.tasks:
			fn()
		}
	}
}

// Post schedules fn on the session goroutine.
func (s *Session) Post(fn func()) {
	s.tasks <- fn
}

// Dispatch posts an inbound event for handling. The transport's read loop
// calls this for every decoded event.
func (s *Session) Dispatch(ev Event) {
	s.Post(func() { s.handleEvent(ev) })
}

func (s *Session) context() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// ============================================================================
// Handler Registration
// ============================================================================

// OnAnomaly registers a handler for protocol anomalies.
func (s *Session) OnAnomaly(fn func(Anomaly)) { s.anomalyHandlers = append(s.anomalyHandlers, fn) }

// OnGroupError registers a handler for server-side group errors.
func (s *Session) OnGroupError(fn func(string)) {
	s.groupErrorHandlers = append(s.groupErrorHandlers, fn)
}

// OnError registers a handler for transport and fetch failures.
func (s *Session) OnError(fn func(error)) { s.errorHandlers = append(s.errorHandlers, fn) }

// OnUpdate registers a handler invoked after session state changes, so a
// frontend can re-render.
func (s *Session) OnUpdate(fn func()) { s.updateHandlers = append(s.updateHandlers, fn) }

// OnConnectionState registers a handler for connection state transitions.
func (s *Session) OnConnectionState(fn func(ConnectionState)) {
	s.stateHandlers = append(s.stateHandlers, fn)
}

func (s *Session) anomaly(a Anomaly) {
	for _, fn := range s.anomalyHandlers {
		fn(a)
	}
}

func (s *Session) fail(err error) {
	for _, fn := range s.errorHandlers {
		fn(err)
	}
}

func (s *Session) changed() {
	for _, fn := range s.updateHandlers {
		fn()
	}
}

// ============================================================================
// Queries
// ============================================================================

// Store exposes the conversation directory.
func (s *Session) Store() *Store { return s.store }

// Presence exposes the presence tracker.
func (s *Session) Presence() *PresenceTracker { return s.presence }

// ActiveConversation returns the selected conversation, or nil.
func (s *Session) ActiveConversation() *Conversation {
	if s.active.conversationID == "" {
		return nil
	}
	return s.store.Get(s.active.conversationID)
}

// PendingSends returns the provisional messages composed for a counterpart
// before their conversation id resolved. They stay visible here until the
// resolve flushes them into the conversation log.
func (s *Session) PendingSends(counterpartID string) []*Message {
	pending := s.pendingSends[counterpartID]
	out := make([]*Message, len(pending))
	copy(out, pending)
	return out
}

// ActiveTypists returns the users currently typing in the active conversation.
func (s *Session) ActiveTypists() []string {
	return s.typing.ActiveTypists(s.typingScope(), s.now())
}

// typingScope is the typing-tracker conversation key for the active selection.
// Direct typing is keyed by counterpart, independent of whether the chat id
// has resolved yet.
func (s *Session) typingScope() string {
	if s.active.kind == KindDirect {
		return directTypingScope(s.active.counterpartID)
	}
	return s.active.conversationID
}

func directTypingScope(counterpartID string) string {
	return "direct:" + counterpartID
}

// ============================================================================
// Selection
// ============================================================================

// SelectDirect makes the direct chat with counterpartID the active
// conversation. Unread resets immediately. If the conversation id is already
// resolved, read receipts go out for unread inbound messages; either way the
// history fetch runs and re-syncs the log when it lands.
func (s *Session) SelectDirect(counterpartID string) {
	s.active = active{kind: KindDirect, counterpartID: counterpartID}

	if id, ok := s.resolver.ConversationID(counterpartID); ok {
		s.active.conversationID = id
		s.store.ResetUnread(id)
		s.sendReadReceipts(s.store.Get(id))
	}
	s.changed()

	if s.cfg.DirectHist == nil {
		return
	}
	ctx := s.context()
	go func() {
		chatID, msgs, err := s.cfg.DirectHist(ctx, counterpartID)
		s.Post(func() {
			if err != nil {
				s.fail(err)
				return
			}
			s.finishDirectHistory(counterpartID, chatID, msgs)
		})
	}()
}

// finishDirectHistory applies a completed direct-history fetch.
func (s *Session) finishDirectHistory(counterpartID, chatID string, msgs []*Message) {
	if chatID == "" {
		return
	}
	if a := s.resolver.Learn(counterpartID, chatID); a != nil {
		s.anomaly(*a)
	}
	resolved, _ := s.resolver.ConversationID(counterpartID)

	c := s.store.Ensure(resolved, KindDirect)
	c.Log.BulkIngest(msgs, s.cfg.UserID)
	// The summary comes from the merged log tail, not the last history row: a
	// live message that raced the fetch stays the newest.
	if m := c.Log.Last(); m != nil {
		c.LastMessage = Summary{Text: PreviewText(m.Text), At: m.CreatedAt}
	}

	s.flushPendingSends(counterpartID, resolved)

	if s.active.kind == KindDirect && s.active.counterpartID == counterpartID {
		s.active.conversationID = resolved
		s.store.ResetUnread(resolved)
		s.sendReadReceipts(c)
	}
	s.changed()
}

// SelectGroup makes the group the active conversation. Unread resets
// immediately; the roster loads lazily on first selection and read receipts
// go out for unread inbound messages.
func (s *Session) SelectGroup(groupID, title string) {
	s.active = active{kind: KindGroup, conversationID: groupID}

	c := s.store.Ensure(groupID, KindGroup)
	if title != "" {
		c.Title = title
	}
	s.store.ResetUnread(groupID)
	s.sendReadReceipts(c)
	s.changed()

	if !c.RosterLoaded() && s.cfg.Roster != nil {
		s.fetchRoster(groupID)
	}
	if s.cfg.GroupHist != nil {
		ctx := s.context()
		go func() {
			msgs, err := s.cfg.GroupHist(ctx, groupID)
			s.Post(func() {
				if err != nil {
					s.fail(err)
					return
				}
				s.finishGroupHistory(groupID, msgs)
			})
		}()
	}
}

func (s *Session) fetchRoster(groupID string) {
	ctx := s.context()
	go func() {
		members, admins, err := s.cfg.Roster(ctx, groupID)
		s.Post(func() {
			if err != nil {
				s.fail(err)
				return
			}
			s.finishRosterFetch(groupID, members, admins)
		})
	}()
}

func (s *Session) finishRosterFetch(groupID string, members []Member, adminIDs []string) {
	s.store.SetRoster(groupID, members, adminIDs)
	s.changed()
}

func (s *Session) finishGroupHistory(groupID string, msgs []*Message) {
	c := s.store.Get(groupID)
	if c == nil {
		return
	}
	c.Log.BulkIngest(msgs, s.cfg.UserID)
	if m := c.Log.Last(); m != nil {
		c.LastMessage = Summary{Text: PreviewText(m.Text), At: m.CreatedAt}
	}
	s.changed()
}

// ClearSelection deselects the active conversation.
func (s *Session) ClearSelection() {
	s.active = active{}
	s.changed()
}

// sendReadReceipts acknowledges every unread inbound message in c and marks
// it read locally.
func (s *Session) sendReadReceipts(c *Conversation) {
	if c == nil {
		return
	}
	for _, m := range c.Log.Messages() {
		if m.Mine(s.cfg.UserID) || m.Delivery == DeliveryRead || m.Provisional() {
			continue
		}
		m.Delivery = DeliveryRead
		s.emitReadReceipt(c, m)
	}
}

func (s *Session) emitReadReceipt(c *Conversation, m *Message) {
	if c.Kind == KindGroup {
		s.emit(EmitGroupMessageRead, ReadReceiptPayload{MessageID: m.ID})
		return
	}
	s.emit(EmitMessageRead, ReadReceiptPayload{MessageID: m.ID, ToUserID: m.SenderID})
}

// ============================================================================
// Sending
// ============================================================================

// SendText sends text to the active conversation. Whitespace-only input is a
// no-op. A provisional entry appears immediately; a direct chat whose
// conversation id has not resolved yet buffers the entry and raises an
// anomaly instead of emitting.
func (s *Session) SendText(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if s.active.kind == "" {
		return
	}

	m := NewProvisional(s.active.conversationID, s.cfg.UserID, text, s.now())

	if s.active.kind == KindGroup {
		c := s.store.Ensure(s.active.conversationID, KindGroup)
		c.Log.AppendProvisional(m)
		c.LastMessage = Summary{Text: PreviewText(text), At: m.CreatedAt}
		s.emit(EmitGroupMessageSend, GroupSendPayload{GroupID: s.active.conversationID, Content: text})
		s.changed()
		return
	}

	if s.active.conversationID == "" {
		s.pendingSends[s.active.counterpartID] = append(s.pendingSends[s.active.counterpartID], m)
		s.anomaly(Anomaly{
			Kind:   AnomalyUnresolvedSend,
			Event:  EmitMessageSend,
			Detail: "no conversation resolved for counterpart " + s.active.counterpartID,
		})
		s.changed()
		return
	}

	c := s.store.Ensure(s.active.conversationID, KindDirect)
	c.Log.AppendProvisional(m)
	c.LastMessage = Summary{Text: PreviewText(text), At: m.CreatedAt}
	s.emit(EmitMessageSend, SendMessagePayload{ToUserID: s.active.counterpartID, Content: text})
	s.changed()
}

// SendCallInvite sends a call-invite message to the active conversation.
func (s *Session) SendCallInvite(invite CallInvite) {
	s.SendText(FormatCallInvite(invite))
}

// flushPendingSends moves buffered provisionals into the resolved
// conversation's log and emits them.
func (s *Session) flushPendingSends(counterpartID, conversationID string) {
	pending := s.pendingSends[counterpartID]
	if len(pending) == 0 {
		return
	}
	delete(s.pendingSends, counterpartID)
	c := s.store.Ensure(conversationID, KindDirect)
	for _, m := range pending {
		m.ConversationID = conversationID
		c.Log.AppendProvisional(m)
		c.LastMessage = Summary{Text: PreviewText(m.Text), At: m.CreatedAt}
		s.emit(EmitMessageSend, SendMessagePayload{ToUserID: counterpartID, Content: m.Text})
	}
}

// SendTyping signals that the local user is typing in the active
// conversation.
func (s *Session) SendTyping() {
	switch s.active.kind {
	case KindDirect:
		if s.active.counterpartID != "" {
			s.emit(EmitTyping, TypingPayload{ToUserID: s.active.counterpartID})
		}
	case KindGroup:
		s.emit(EmitGroupTyping, GroupTypingPayload{GroupID: s.active.conversationID})
	}
}

func (s *Session) emit(event string, payload any) {
	if s.cfg.Transport == nil {
		return
	}
	if err := s.cfg.Transport.Emit(s.context(), event, payload); err != nil {
		s.fail(err)
	}
}

// ============================================================================
// Inbound Events
// ============================================================================

func (s *Session) handleEvent(ev Event) {
	switch e := ev.(type) {
	case MessageEvent:
		s.handleMessage(e)
	case TypingEvent:
		s.handleTyping(TypingKey{ConversationID: directTypingScope(e.FromUserID), UserID: e.FromUserID})
	case GroupTypingEvent:
		if e.FromUserID == s.cfg.UserID {
			return
		}
		s.handleTyping(TypingKey{ConversationID: e.GroupID, UserID: e.FromUserID})
	case ReadEvent:
		s.handleRead(e.MessageID)
	case PresenceEvent:
		s.presence.SetOnline(e.UserID, e.Online)
		s.changed()
	case OnlineUsersEvent:
		s.presence.ApplySnapshot(e.UserIDs)
		s.changed()
	case GroupErrorEvent:
		for _, fn := range s.groupErrorHandlers {
			fn(e.Message)
		}
	}
}

func (s *Session) handleMessage(ev MessageEvent) {
	conversationID, mine, a := s.resolver.Resolve(ev, s.cfg.UserID, s.activeDirectCounterpart())
	if a != nil {
		s.anomaly(*a)
		if conversationID == "" {
			return
		}
	}

	// An open direct chat still waiting on its conversation id adopts the one
	// this event just resolved, so it counts as active below.
	if !ev.Group && s.active.kind == KindDirect && s.active.conversationID == "" {
		if id, ok := s.resolver.ConversationID(s.active.counterpartID); ok && id == conversationID {
			s.active.conversationID = id
			s.flushPendingSends(s.active.counterpartID, id)
		}
	}

	kind := KindDirect
	if ev.Group {
		kind = KindGroup
	}
	c := s.store.Ensure(conversationID, kind)

	createdAt, err := ParseDeliveredAt(ev.DeliveredAt)
	if err != nil {
		createdAt = s.now()
	}
	delivery := DeliveryDelivered
	if ev.Read {
		delivery = DeliveryRead
	}
	m := &Message{
		ID:             ev.ID,
		ConversationID: conversationID,
		SenderID:       ev.SenderID,
		Text:           ev.Content,
		CreatedAt:      createdAt,
		Delivery:       delivery,
	}

	if c.Log.Ingest(m, s.cfg.UserID) == IngestDuplicate {
		return
	}

	isActive := conversationID == s.active.conversationID && s.active.conversationID != ""
	s.store.ApplyIngest(conversationID, m, mine, isActive)

	if ev.Group && !mine {
		s.store.PatchRoster(conversationID, ev.SenderID)
	}

	// A delivered message ends the sender's typing indicator.
	s.clearTyping(s.messageTypingKey(ev))

	if isActive && !mine {
		m.Delivery = DeliveryRead
		s.emitReadReceipt(c, m)
	}
	s.changed()
}

func (s *Session) messageTypingKey(ev MessageEvent) TypingKey {
	if ev.Group {
		return TypingKey{ConversationID: ev.ChatID, UserID: ev.SenderID}
	}
	return TypingKey{ConversationID: directTypingScope(ev.SenderID), UserID: ev.SenderID}
}

// activeDirectCounterpart returns the active counterpart id, or "" when the
// selection is a group or empty.
func (s *Session) activeDirectCounterpart() string {
	if s.active.kind != KindDirect {
		return ""
	}
	return s.active.counterpartID
}

func (s *Session) handleRead(messageID string) {
	for _, c := range s.store.Sorted() {
		if c.Log.MarkRead(messageID) {
			s.changed()
			return
		}
	}
}

// ============================================================================
// Typing Timers
// ============================================================================

// handleTyping refreshes the typing window for key and schedules its expiry.
// A fresh event replaces the prior timer, so the window restarts instead of
// stacking.
func (s *Session) handleTyping(key TypingKey) {
	deadline := s.typing.Refresh(key, s.now())
	if t, ok := s.typingTimers[key]; ok {
		t.Stop()
	}
	s.typingTimers[key] = time.AfterFunc(TypingTimeout, func() {
		s.Post(func() { s.expireTyping(key, deadline) })
	})
	s.changed()
}

func (s *Session) expireTyping(key TypingKey, deadline time.Time) {
	if s.typing.Expire(key, deadline) {
		delete(s.typingTimers, key)
		s.changed()
	}
}

func (s *Session) clearTyping(key TypingKey) {
	if t, ok := s.typingTimers[key]; ok {
		t.Stop()
		delete(s.typingTimers, key)
	}
	s.typing.Expire(key, s.now().Add(TypingTimeout))
}

// ============================================================================
// Connection Lifecycle
// ============================================================================

// NotifyConnectionState is called by the transport on every connection state
// transition. On each (re)connect the session re-announces itself and asks
// for a fresh presence snapshot, since the previous one is stale.
func (s *Session) NotifyConnectionState(state ConnectionState) {
	s.Post(func() {
		switch state {
		case StateConnected:
			s.emit(EmitJoin, JoinPayload{Token: s.cfg.Token})
			s.emit(EmitGetOnlineUsers, struct{}{})
		case StateDisconnected, StateReconnecting:
			s.dropTypingState()
		}
		for _, fn := range s.stateHandlers {
			fn(state)
		}
	})
}

// dropTypingState cancels all typing indicators. Typing is ephemeral and a
// gap in the connection invalidates whatever was in flight.
func (s *Session) dropTypingState() {
	for key, t := range s.typingTimers {
		t.Stop()
		delete(s.typingTimers, key)
	}
	s.typing.Reset()
}
