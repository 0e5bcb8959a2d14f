package collab

import "collabsync/backend/internal/session"

// activityLog keeps the most recent events for display, oldest first.
type activityLog struct {
	limit  int
	events []session.Event
}

func newActivityLog(limit int) *activityLog {
	return &activityLog{limit: limit, events: make([]session.Event, 0, limit)}
}

func (l *activityLog) add(e session.Event) {
	if len(l.events) >= l.limit {
		copy(l.events[0:], l.events[1:])
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, e)
}

func (l *activityLog) reset() {
	l.events = l.events[:0]
}

func (l *activityLog) snapshot() []session.Event {
	out := make([]session.Event, len(l.events))
	copy(out, l.events)
	return out
}
