package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when NATSRelay is given no prefix.
const DefaultSubjectPrefix = "autofix.issues"

// NATSRelay publishes bus events on <prefix>.<issue>.<type>.
type NATSRelay struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSRelay creates a relay over an established connection.
func NewNATSRelay(nc *nats.Conn, prefix string) *NATSRelay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSRelay{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject ev is published on.
func (r *NATSRelay) Subject(topic string, ev Event) string {
	issue := ev.IssueID
	if issue == "" {
		issue = topic
	}
	if issue == "" || issue == AllTopic {
		issue = "all"
	}
	return fmt.Sprintf("%s.%s.%s", r.prefix, subjectToken(issue), ev.Type)
}

// Publish implements Publisher.
func (r *NATSRelay) Publish(topic string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.nc.Publish(r.Subject(topic, ev), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// subjectToken replaces characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
