package webhook

import "encoding/json"

// envelope is the outer shape shared by every webhook resource.
type envelope struct {
	Action looseString     `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type eventAlertData struct {
	Event         *alertEvent `json:"event"`
	TriggeredRule looseString `json:"triggered_rule"`
	IssueAlert    *struct {
		ProjectSlug looseString `json:"project_slug"`
	} `json:"issue_alert"`
}

type alertEvent struct {
	IssueID     looseString     `json:"issue_id"`
	EventID     looseString     `json:"event_id"`
	Title       looseString     `json:"title"`
	Level       looseString     `json:"level"`
	Platform    looseString     `json:"platform"`
	ProjectSlug looseString     `json:"project_slug"`
	Culprit     looseString     `json:"culprit"`
	Message     looseString     `json:"message"`
	Timestamp   looseString     `json:"timestamp"`
	IssueURL    looseString     `json:"issue_url"`
	WebURL      looseString     `json:"web_url"`
	Tags        []Tag           `json:"tags"`
	Request     json.RawMessage `json:"request"`
	User        json.RawMessage `json:"user"`
	Contexts    json.RawMessage `json:"contexts"`
	Exception   *struct {
		Values []Exception `json:"values"`
	} `json:"exception"`
}

type issueData struct {
	Issue *issuePayload `json:"issue"`
}

type issuePayload struct {
	ID        looseString `json:"id"`
	Title     looseString `json:"title"`
	Level     looseString `json:"level"`
	Platform  looseString `json:"platform"`
	Culprit   looseString `json:"culprit"`
	FirstSeen looseString `json:"firstSeen"`
	URL       looseString `json:"url"`
	WebURL    looseString `json:"web_url"`
	Permalink looseString `json:"permalink"`
	Count     looseInt    `json:"count"`
	UserCount looseInt    `json:"userCount"`
	Priority  looseString `json:"priority"`
	Project   *struct {
		Slug looseString `json:"slug"`
	} `json:"project"`
	Metadata *struct {
		Value looseString `json:"value"`
	} `json:"metadata"`
}

// rawOrNil drops JSON null so that absent context stays absent.
func rawOrNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
