package sentry

import (
	"encoding/json"

	"github.com/fyrsmithlabs/autofix/internal/webhook"
)

// latestEvent mirrors the fields of GET /issues/{id}/events/latest/ that
// enrichment uses.
type latestEvent struct {
	EventID  string          `json:"eventID"`
	ID       string          `json:"id"`
	Platform string          `json:"platform"`
	Culprit  string          `json:"culprit"`
	Tags     []webhook.Tag   `json:"tags"`
	Request  json.RawMessage `json:"request"`
	User     json.RawMessage `json:"user"`
	Contexts json.RawMessage `json:"contexts"`
	Entries  []struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	} `json:"entries"`
}

func (e *latestEvent) enrichment() *Enrichment {
	enr := &Enrichment{
		EventID:  e.EventID,
		Platform: e.Platform,
		Culprit:  e.Culprit,
		Tags:     e.Tags,
		Request:  nonNull(e.Request),
		User:     nonNull(e.User),
		Contexts: nonNull(e.Contexts),
	}
	if enr.EventID == "" {
		enr.EventID = e.ID
	}

	for _, entry := range e.Entries {
		if entry.Type != "exception" {
			continue
		}
		var data struct {
			Values []webhook.Exception `json:"values"`
		}
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			continue
		}
		enr.Stacktrace = append(enr.Stacktrace, data.Values...)
	}
	return enr
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
