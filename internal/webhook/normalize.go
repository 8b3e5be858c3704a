// Package webhook authenticates and normalizes inbound error-monitoring
// webhooks into ParsedEvent values.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Resource names recognised in the resource header.
const (
	ResourceEventAlert = "event_alert"
	ResourceIssue      = "issue"
)

// ErrEmptyBody is returned for requests without a body.
var ErrEmptyBody = errors.New("empty body")

// ValidationError reports a body that cannot be decoded.
type ValidationError struct {
	Resource string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Resource, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IssueActionPolicy selects which issue webhook actions start remediation.
type IssueActionPolicy string

const (
	// PolicyCreationRegression accepts only "created" and "regression".
	PolicyCreationRegression IssueActionPolicy = "creation_regression"
	// PolicyAny accepts every issue action and leaves gating to enrichment.
	PolicyAny IssueActionPolicy = "any"
)

// ParseIssueActionPolicy converts a configured policy name.
func ParseIssueActionPolicy(s string) (IssueActionPolicy, error) {
	switch p := IssueActionPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyCreationRegression, nil
	case PolicyCreationRegression, PolicyAny:
		return p, nil
	default:
		return "", fmt.Errorf("unknown issue action policy %q", s)
	}
}

// Allows reports whether action passes the policy.
func (p IssueActionPolicy) Allows(action string) bool {
	if p == PolicyAny {
		return true
	}
	return action == "created" || action == "regression"
}

// Kind tags a normalization Result.
type Kind int

const (
	NotActionable Kind = iota
	Actionable
)

func (k Kind) String() string {
	if k == Actionable {
		return "actionable"
	}
	return "not_actionable"
}

// Result is the outcome of Normalize. Event is set only when Kind is
// Actionable; Reason is set only when Kind is NotActionable.
type Result struct {
	Kind     Kind
	Resource string
	Action   string
	Event    *ParsedEvent
	Reason   string
}

// Normalizer turns raw webhook bodies into ParsedEvent values.
type Normalizer struct {
	policy IssueActionPolicy
}

// NewNormalizer creates a Normalizer applying policy to issue webhooks.
func NewNormalizer(policy IssueActionPolicy) *Normalizer {
	if policy == "" {
		policy = PolicyCreationRegression
	}
	return &Normalizer{policy: policy}
}

// Policy returns the issue action policy in effect.
func (n *Normalizer) Policy() IssueActionPolicy {
	return n.policy
}

// Normalize decodes body according to resource. The only error it returns is
// a *ValidationError for an empty or malformed body.
func (n *Normalizer) Normalize(resource string, body []byte) (Result, error) {
	if resource == "" {
		resource = "unknown"
	}
	if len(body) == 0 {
		return Result{Resource: resource}, &ValidationError{Resource: resource, Err: ErrEmptyBody}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Result{Resource: resource}, &ValidationError{Resource: resource, Err: err}
	}

	res := Result{
		Kind:     NotActionable,
		Resource: resource,
		Action:   string(env.Action),
	}
	if res.Action == "" {
		res.Action = "unknown"
	}

	var event *ParsedEvent
	switch resource {
	case ResourceEventAlert:
		event = parseEventAlert(env)
	case ResourceIssue:
		if n.policy.Allows(string(env.Action)) {
			event = parseIssue(env)
		}
	}

	if event == nil {
		res.Reason = fmt.Sprintf("Unparseable or non-triggered %s webhook", resource)
		return res, nil
	}

	res.Kind = Actionable
	res.Event = event
	return res, nil
}

func parseEventAlert(env envelope) *ParsedEvent {
	if env.Action != "triggered" || len(env.Data) == 0 {
		return nil
	}

	var data eventAlertData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Event == nil {
		return nil
	}
	ev := data.Event
	if ev.IssueID == "" {
		return nil
	}

	parsed := &ParsedEvent{
		IssueID:       string(ev.IssueID),
		EventID:       string(ev.EventID),
		Title:         string(ev.Title),
		Level:         firstString(string(ev.Level), "error"),
		Platform:      string(ev.Platform),
		Culprit:       string(ev.Culprit),
		Message:       firstString(string(ev.Message), string(ev.Title)),
		Timestamp:     string(ev.Timestamp),
		IssueURL:      string(ev.IssueURL),
		WebURL:        string(ev.WebURL),
		Tags:          ev.Tags,
		Request:       rawOrNil(ev.Request),
		User:          rawOrNil(ev.User),
		Contexts:      rawOrNil(ev.Contexts),
		TriggeredRule: string(data.TriggeredRule),
	}
	if parsed.Tags == nil {
		parsed.Tags = []Tag{}
	}
	if ev.Exception != nil && len(ev.Exception.Values) > 0 {
		parsed.Stacktrace = ev.Exception.Values
	}

	parsed.ProjectSlug = string(ev.ProjectSlug)
	if parsed.ProjectSlug == "" && data.IssueAlert != nil {
		parsed.ProjectSlug = string(data.IssueAlert.ProjectSlug)
	}
	if parsed.ProjectSlug == "" {
		parsed.ProjectSlug, _ = parsed.Tag("project")
	}
	if parsed.ProjectSlug == "" {
		parsed.ProjectSlug = "unknown"
	}
	return parsed
}

func parseIssue(env envelope) *ParsedEvent {
	if len(env.Data) == 0 {
		return nil
	}

	var data issueData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Issue == nil {
		return nil
	}
	is := data.Issue
	if is.ID == "" {
		return nil
	}

	parsed := &ParsedEvent{
		IssueID:   string(is.ID),
		Action:    string(env.Action),
		Title:     string(is.Title),
		Level:     firstString(string(is.Level), "error"),
		Platform:  string(is.Platform),
		Culprit:   string(is.Culprit),
		Message:   string(is.Title),
		FirstSeen: string(is.FirstSeen),
		IssueURL:  string(is.URL),
		WebURL:    firstString(string(is.WebURL), string(is.Permalink)),
		Count:     int(is.Count),
		UserCount: int(is.UserCount),
		Priority:  string(is.Priority),
	}
	if is.Metadata != nil && is.Metadata.Value != "" {
		parsed.Message = string(is.Metadata.Value)
	}
	if is.Project != nil {
		parsed.ProjectSlug = string(is.Project.Slug)
	}
	if parsed.ProjectSlug == "" {
		parsed.ProjectSlug = "unknown"
	}
	return parsed
}
