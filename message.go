package chatcore

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Message Model
// ============================================================================

// DeliveryState tracks how far a message has progressed toward the recipient.
type DeliveryState string

const (
	// DeliveryPending marks a provisional entry awaiting server confirmation.
	DeliveryPending DeliveryState = "pending"
	// DeliverySent marks a message accepted by the transport.
	DeliverySent DeliveryState = "sent"
	// DeliveryDelivered marks a message confirmed by the server.
	DeliveryDelivered DeliveryState = "delivered"
	// DeliveryRead marks a message acknowledged by the recipient.
	DeliveryRead DeliveryState = "read"
)

// Message is a single entry in a conversation log.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Text           string        `json:"text"`
	CreatedAt      time.Time     `json:"createdAt"`
	Delivery       DeliveryState `json:"delivery"`
}

// Mine reports whether the message was authored by the given user.
func (m *Message) Mine(userID string) bool {
	return m.SenderID == userID
}

// Provisional reports whether the message is a local placeholder that has not
// been confirmed by the server yet.
func (m *Message) Provisional() bool {
	return IsProvisionalID(m.ID)
}

// ============================================================================
// Provisional IDs
// ============================================================================

// provisionalPrefix namespaces locally generated ids. Server ids are numeric
// or opaque and never carry this prefix, so collision is impossible.
const provisionalPrefix = "temp-"

// NewProvisionalID returns a locally unique placeholder id.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// IsProvisionalID reports whether id is a local placeholder.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// NewProvisional creates a pending local message for an outgoing send.
func NewProvisional(conversationID, senderID, text string, at time.Time) *Message {
	return &Message{
		ID:             NewProvisionalID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      at,
		Delivery:       DeliveryPending,
	}
}

// ============================================================================
// Call Invites
// ============================================================================

// CallInvitePrefix marks a message whose text encodes a call-invite payload.
const CallInvitePrefix = "[call_link]"

// CallInviteLabel replaces the raw payload in last-message previews.
const CallInviteLabel = "Video call started"

// CallInvite is the JSON blob following CallInvitePrefix.
type CallInvite struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// ParseCallInvite decodes a call-invite message. Malformed JSON after the
// prefix falls back to treating the text as plain text (ok == false).
func ParseCallInvite(text string) (CallInvite, bool) {
	if !strings.HasPrefix(text, CallInvitePrefix) {
		return CallInvite{}, false
	}
	var invite CallInvite
	if err := json.Unmarshal([]byte(text[len(CallInvitePrefix):]), &invite); err != nil {
		return CallInvite{}, false
	}
	return invite, true
}

// FormatCallInvite encodes a call-invite message body.
func FormatCallInvite(invite CallInvite) string {
	b, _ := json.Marshal(invite)
	return CallInvitePrefix + string(b)
}

// PreviewText returns the text used in last-message summaries: call invites
// collapse to a fixed label, everything else passes through.
func PreviewText(text string) string {
	if strings.HasPrefix(text, CallInvitePrefix) {
		return CallInviteLabel
	}
	return text
}

// ParseDeliveredAt parses the server's delivered_at stamp. The server sends
// RFC 3339; a handful of older rows omit the sub-second part.
func ParseDeliveredAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
