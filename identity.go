package chatcore

import "fmt"

// ============================================================================
// Identity Resolver
// ============================================================================

// Resolver maps direct-chat counterpart user ids to resolved conversation ids.
// The mapping is learned opportunistically from inbound events and from
// history fetches; once established for a counterpart it is stable.
type Resolver struct {
	byCounterpart map[string]string
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{byCounterpart: make(map[string]string)}
}

// ConversationID returns the cached conversation id for a counterpart.
func (r *Resolver) ConversationID(counterpartID string) (string, bool) {
	id, ok := r.byCounterpart[counterpartID]
	return id, ok
}

// Learn records a counterpart → conversation mapping. Updates only fill in
// previously-unknown mappings; a conflicting id for a known counterpart keeps
// the established value and returns an anomaly.
func (r *Resolver) Learn(counterpartID, conversationID string) *Anomaly {
	if counterpartID == "" || conversationID == "" {
		return nil
	}
	if existing, ok := r.byCounterpart[counterpartID]; ok {
		if existing != conversationID {
			return &Anomaly{
				Kind: AnomalyMappingConflict,
				Detail: fmt.Sprintf("counterpart %s resolved to %s, event claims %s",
					counterpartID, existing, conversationID),
			}
		}
		return nil
	}
	r.byCounterpart[counterpartID] = conversationID
	return nil
}

// Resolve determines which conversation an inbound message event belongs to.
// The event's chat id is authoritative; sender id only classifies the message
// as mine or theirs and feeds the mapping cache.
//
// activeCounterpartID is the counterpart of the active direct conversation, or
// "" when none is selected (or a group is). When the event's sender is that
// counterpart, or the event is our own echo to them, the mapping is learned.
func (r *Resolver) Resolve(ev MessageEvent, currentUserID, activeCounterpartID string) (conversationID string, mine bool, anomaly *Anomaly) {
	if ev.ChatID == "" {
		return "", false, &Anomaly{
			Kind:   AnomalyMissingChatID,
			Event:  ev.eventName(),
			Detail: fmt.Sprintf("message %s carries no chat id", ev.ID),
		}
	}

	mine = ev.SenderID == currentUserID

	if !ev.Group && activeCounterpartID != "" {
		if ev.SenderID == activeCounterpartID || mine {
			if a := r.Learn(activeCounterpartID, ev.ChatID); a != nil {
				a.Event = ev.eventName()
				anomaly = a
			}
		}
	}

	return ev.ChatID, mine, anomaly
}
