package chatcore

import (
	"time"
)

// ============================================================================
// Conversation Log
// ============================================================================

// Log is the ordered message log of a single conversation. It is owned by the
// reconciliation engine; other components read projections of it but never
// mutate entries directly.
//
// Order is maintained ascending by CreatedAt with ties broken by ID, so the
// final log converges to the same order regardless of transport arrival
// sequence. Ingestion is idempotent.
type Log struct {
	entries []*Message
}

// IngestOutcome describes what an Ingest call did with the message.
type IngestOutcome int

const (
	// IngestDuplicate means an entry with the same id already existed.
	IngestDuplicate IngestOutcome = iota
	// IngestReconciled means a provisional entry was replaced in place.
	IngestReconciled
	// IngestInserted means the message was inserted as a new entry.
	IngestInserted
)

// Len returns the number of entries.
func (l *Log) Len() int { return len(l.entries) }

// Messages returns a snapshot copy of the log entries.
func (l *Log) Messages() []*Message {
	out := make([]*Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Last returns the newest entry, or nil for an empty log.
func (l *Log) Last() *Message {
	if len(l.entries) == 0 {
		return nil
	}
	return l.entries[len(l.entries)-1]
}

// Get returns the entry with the given id, or nil.
func (l *Log) Get(id string) *Message {
	for _, m := range l.entries {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Ingest merges a confirmed message into the log.
//
//  1. An entry with the same id already present makes this a no-op.
//  2. A message authored by localUserID first tries to reconcile the oldest
//     pending provisional entry with the same text, replacing it in place.
//  3. Otherwise the message is inserted at its timestamp position.
func (l *Log) Ingest(m *Message, localUserID string) IngestOutcome {
	if l.Get(m.ID) != nil {
		return IngestDuplicate
	}
	if m.Mine(localUserID) {
		if i := l.findProvisional(m.Text, localUserID); i >= 0 {
			l.entries[i] = m
			return IngestReconciled
		}
	}
	l.insert(m)
	return IngestInserted
}

// BulkIngest merges a history batch, preserving entries already present (a
// live message that raced the history fetch stays put). The result is
// ascending by timestamp with ties broken by id, deduplicated.
func (l *Log) BulkIngest(msgs []*Message, localUserID string) {
	for _, m := range msgs {
		l.Ingest(m, localUserID)
	}
}

// AppendProvisional adds a pending local entry to the end of the log.
func (l *Log) AppendProvisional(m *Message) {
	l.entries = append(l.entries, m)
}

// MarkRead flips the entry with the given id to the read state.
func (l *Log) MarkRead(messageID string) bool {
	m := l.Get(messageID)
	if m == nil {
		return false
	}
	m.Delivery = DeliveryRead
	return true
}

// findProvisional returns the index of the oldest pending entry with matching
// text authored by the local user, or -1.
func (l *Log) findProvisional(text, localUserID string) int {
	for i, m := range l.entries {
		if m.Provisional() && m.Delivery == DeliveryPending && m.SenderID == localUserID && m.Text == text {
			return i
		}
	}
	return -1
}

// insert places m at its ordered position.
func (l *Log) insert(m *Message) {
	i := len(l.entries)
	for i > 0 {
		prev := l.entries[i-1]
		if prev.CreatedAt.Before(m.CreatedAt) ||
			(prev.CreatedAt.Equal(m.CreatedAt) && prev.ID <= m.ID) {
			break
		}
		i--
	}
	l.entries = append(l.entries, nil)
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = m
}

// ============================================================================
// Date-Grouped Projection
// ============================================================================

// LogItem is one element of the date-grouped view: either a date separator or
// a message.
type LogItem struct {
	// Separator is non-zero for date-separator items; Message is nil then.
	Separator time.Time
	Message   *Message

	// ShowSenderLabel is set on message items that start a run of consecutive
	// messages from the same sender.
	ShowSenderLabel bool
}

// IsSeparator reports whether the item is a date separator.
func (it LogItem) IsSeparator() bool { return it.Message == nil }

// GroupByDate produces the rendering view of the log: a date separator is
// inserted before the first message of each new local calendar day. The log
// itself is never mutated.
func (l *Log) GroupByDate(loc *time.Location) []LogItem {
	if loc == nil {
		loc = time.Local
	}
	items := make([]LogItem, 0, len(l.entries))
	var curY int
	var curD int
	var prevSender string
	first := true

	for _, m := range l.entries {
		local := m.CreatedAt.In(loc)
		y, d := local.Year(), local.YearDay()
		if first || y != curY || d != curD {
			curY, curD = y, d
			day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
			items = append(items, LogItem{Separator: day})
		}
		items = append(items, LogItem{
			Message:         m,
			ShowSenderLabel: first || prevSender != m.SenderID,
		})
		prevSender = m.SenderID
		first = false
	}
	return items
}

// FormatDateLabel renders a separator date relative to now: "Today",
// "Yesterday", or the full date.
func FormatDateLabel(day, now time.Time) string {
	y1, m1, d1 := day.Date()
	y2, m2, d2 := now.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return "Today"
	}
	yest := now.AddDate(0, 0, -1)
	y2, m2, d2 = yest.Date()
	if y1 == y2 && m1 == m2 && d1 == d2 {
		return "Yesterday"
	}
	return day.Format("Monday, January 2, 2006")
}
