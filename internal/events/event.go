package events

import "time"

// Event types.
const (
	TypeConnected  = "connected"
	TypeStatus     = "status"
	TypeLog        = "log"
	TypeHistoryEnd = "history_end"
)

// AllTopic receives every event regardless of issue.
const AllTopic = "*"

// Event is a single notification pushed to stream subscribers.
type Event struct {
	Type      string    `json:"type"`
	IssueID   string    `json:"issueId,omitempty"`
	Status    string    `json:"status,omitempty"`
	PRURL     string    `json:"prUrl,omitempty"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message,omitempty"`
	Count     *int      `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Connected is the first event sent on every stream.
func Connected(issueID string) Event {
	return Event{Type: TypeConnected, IssueID: issueID, Timestamp: time.Now().UTC()}
}

// StatusChanged announces an issue status transition.
func StatusChanged(issueID, status, prURL string) Event {
	return Event{
		Type:      TypeStatus,
		IssueID:   issueID,
		Status:    status,
		PRURL:     prURL,
		Timestamp: time.Now().UTC(),
	}
}

// Log carries one issue log line.
func Log(issueID, source, message string, ts time.Time) Event {
	if ts.IsZero() {
		ts = time.Now()
	}
	return Event{
		Type:      TypeLog,
		IssueID:   issueID,
		Source:    source,
		Message:   message,
		Timestamp: ts.UTC(),
	}
}

// HistoryEnd marks the end of a replayed log backlog of count lines.
func HistoryEnd(issueID string, count int) Event {
	return Event{
		Type:      TypeHistoryEnd,
		IssueID:   issueID,
		Count:     &count,
		Timestamp: time.Now().UTC(),
	}
}
