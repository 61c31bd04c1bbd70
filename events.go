package chatcore

import (
	"context"
	"encoding/json"
	"fmt"
)

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for all inbound socket events.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Inbound event names.
const (
	EventMessageReceive      = "message:receive"
	EventGroupMessageReceive = "group:message:receive"
	EventUserTyping          = "user:typing"
	EventGroupTyping         = "group:typing"
	EventMessageRead         = "message:read"
	EventUserOnline          = "user:online"
	EventUserOffline         = "user:offline"
	EventOnlineUsers         = "online:users"
	EventGroupError          = "group:error"
)

// Outbound event names.
const (
	EmitMessageSend      = "message:send"
	EmitGroupMessageSend = "group:message:send"
	EmitTyping           = "typing"
	EmitGroupTyping      = "group:typing"
	EmitMessageRead      = "message:read"
	EmitGroupMessageRead = "group:message:read"
	EmitJoin             = "join"
	EmitGetOnlineUsers   = "get:online:users"
)

// ============================================================================
// Inbound Event Variants
// ============================================================================

// Event is implemented by every decoded inbound event variant.
type Event interface {
	eventName() string
}

// MessageEvent is a direct or group message delivery.
type MessageEvent struct {
	ID          string `json:"id"`
	ChatID      string `json:"chat_id"`
	SenderID    string `json:"sender_id"`
	Content     string `json:"content"`
	DeliveredAt string `json:"delivered_at"`
	Read        bool   `json:"read,omitempty"`

	// Group is true for group:message:receive; set by the decoder,
	// not carried on the wire.
	Group bool `json:"-"`
}

func (e MessageEvent) eventName() string {
	if e.Group {
		return EventGroupMessageReceive
	}
	return EventMessageReceive
}

// TypingEvent signals a counterpart typing in a direct chat.
type TypingEvent struct {
	FromUserID string `json:"fromUserId"`
}

func (TypingEvent) eventName() string { return EventUserTyping }

// GroupTypingEvent signals a member typing in a group.
type GroupTypingEvent struct {
	FromUserID string `json:"fromUserId"`
	GroupID    string `json:"groupId"`
}

func (GroupTypingEvent) eventName() string { return EventGroupTyping }

// ReadEvent marks one of our messages as read by the recipient.
type ReadEvent struct {
	MessageID string `json:"messageId"`
}

func (ReadEvent) eventName() string { return EventMessageRead }

// PresenceEvent is a single user going online or offline.
type PresenceEvent struct {
	UserID string
	Online bool
}

func (e PresenceEvent) eventName() string {
	if e.Online {
		return EventUserOnline
	}
	return EventUserOffline
}

// OnlineUsersEvent is a full presence snapshot.
type OnlineUsersEvent struct {
	UserIDs []string
}

func (OnlineUsersEvent) eventName() string { return EventOnlineUsers }

// GroupErrorEvent is a server-side group error, surfaced to the user.
type GroupErrorEvent struct {
	Message string `json:"message"`
}

func (GroupErrorEvent) eventName() string { return EventGroupError }

// ============================================================================
// Decoding
// ============================================================================

// ErrUnknownEvent reports an event name the decoder does not recognize.
type ErrUnknownEvent struct {
	Name string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown event %q", e.Name)
}

// DecodeEvent decodes an envelope into its typed variant. Unrecognized names
// and malformed payloads are rejected here, before they reach the
// reconciliation engine.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Event {
	case EventMessageReceive, EventGroupMessageReceive:
		var ev MessageEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		ev.Group = env.Event == EventGroupMessageReceive
		return ev, nil

	case EventUserTyping:
		var ev TypingEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return ev, nil

	case EventGroupTyping:
		var ev GroupTypingEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return ev, nil

	case EventMessageRead:
		var ev ReadEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return ev, nil

	case EventUserOnline, EventUserOffline:
		// The server sends the bare user id for these two.
		var userID string
		if err := json.Unmarshal(env.Data, &userID); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return PresenceEvent{UserID: userID, Online: env.Event == EventUserOnline}, nil

	case EventOnlineUsers:
		var ids []string
		if err := json.Unmarshal(env.Data, &ids); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return OnlineUsersEvent{UserIDs: ids}, nil

	case EventGroupError:
		var ev GroupErrorEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return ev, nil
	}

	return nil, &ErrUnknownEvent{Name: env.Event}
}

// ============================================================================
// Outbound Commands
// ============================================================================

// SendMessagePayload is the payload for message:send.
type SendMessagePayload struct {
	ToUserID string `json:"toUserId"`
	Content  string `json:"content"`
}

// GroupSendPayload is the payload for group:message:send.
type GroupSendPayload struct {
	GroupID string `json:"groupId"`
	Content string `json:"content"`
}

// TypingPayload is the payload for typing.
type TypingPayload struct {
	ToUserID string `json:"toUserId"`
}

// GroupTypingPayload is the payload for group:typing.
type GroupTypingPayload struct {
	GroupID string `json:"groupId"`
}

// ReadReceiptPayload is the payload for message:read.
type ReadReceiptPayload struct {
	MessageID string `json:"messageId"`
	ToUserID  string `json:"toUserId,omitempty"`
}

// JoinPayload announces presence after connect or reconnect.
type JoinPayload struct {
	Token string `json:"token"`
}

// Transport is the outbound half of the socket connection. The session
// controller owns an injected Transport; tests substitute a recorder that
// simulates event sequences deterministically.
type Transport interface {
	Emit(ctx context.Context, event string, payload any) error
}
