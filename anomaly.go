package chatcore

import "fmt"

// ============================================================================
// Protocol Anomalies
// ============================================================================

// AnomalyKind classifies a protocol anomaly.
type AnomalyKind string

const (
	// AnomalyMissingChatID marks an inbound message with no conversation id.
	// The server always stamps ids, so this is a protocol violation and the
	// event is dropped, not retried.
	AnomalyMissingChatID AnomalyKind = "missing_chat_id"

	// AnomalyMappingConflict marks an identity-mapping update that would
	// change an already-resolved conversation id. The established mapping is
	// kept; silent overwrite risks cross-delivering messages.
	AnomalyMappingConflict AnomalyKind = "mapping_conflict"

	// AnomalyUnresolvedSend marks an outgoing send with no resolved
	// destination id. The send is deferred and its provisional entry stays
	// pending.
	AnomalyUnresolvedSend AnomalyKind = "unresolved_send"
)

// Anomaly is a non-fatal protocol irregularity. Anomalies are delivered to a
// registered handler; none interrupt the session.
type Anomaly struct {
	Kind   AnomalyKind
	Event  string
	Detail string
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s (%s): %s", a.Kind, a.Event, a.Detail)
}
