package webhook

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ParsedEvent is the canonical form of an inbound error notification.
type ParsedEvent struct {
	IssueID     string `json:"issueId"`
	EventID     string `json:"eventId,omitempty"`
	ProjectSlug string `json:"projectSlug"`
	Title       string `json:"title"`
	Level       string `json:"level"`
	Platform    string `json:"platform,omitempty"`
	Culprit     string `json:"culprit,omitempty"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp,omitempty"`
	IssueURL    string `json:"issueUrl,omitempty"`
	WebURL      string `json:"webUrl,omitempty"`

	Stacktrace []Exception      `json:"stacktrace"`
	Tags       []Tag            `json:"tags,omitempty"`
	Request    json.RawMessage `json:"request,omitempty"`
	User       json.RawMessage `json:"user,omitempty"`
	Contexts   json.RawMessage `json:"contexts,omitempty"`

	TriggeredRule string `json:"triggeredRule,omitempty"`

	// Set for issue webhooks only.
	Action    string `json:"action,omitempty"`
	FirstSeen string `json:"firstSeen,omitempty"`
	Count     int    `json:"count,omitempty"`
	UserCount int    `json:"userCount,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// HasStacktrace reports whether at least one exception carries frames.
func (e *ParsedEvent) HasStacktrace() bool {
	for _, ex := range e.Stacktrace {
		if len(ex.Frames) > 0 {
			return true
		}
	}
	return false
}

// Tag returns the value of the first tag with key.
func (e *ParsedEvent) Tag(key string) (string, bool) {
	for _, t := range e.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// Exception is one entry of an event's exception chain.
type Exception struct {
	Type   string  `json:"type"`
	Value  string  `json:"value"`
	Module string  `json:"module,omitempty"`
	Frames []Frame `json:"frames"`
}

// UnmarshalJSON accepts the nested {"stacktrace":{"frames":[...]}} form used
// on the wire as well as a flat frames list.
func (ex *Exception) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type       looseString `json:"type"`
		Value      looseString `json:"value"`
		Module     looseString `json:"module"`
		Frames     []Frame     `json:"frames"`
		Stacktrace *struct {
			Frames []Frame `json:"frames"`
		} `json:"stacktrace"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ex.Type = string(raw.Type)
	ex.Value = string(raw.Value)
	ex.Module = string(raw.Module)
	ex.Frames = raw.Frames
	if raw.Stacktrace != nil && len(raw.Stacktrace.Frames) > 0 {
		ex.Frames = raw.Stacktrace.Frames
	}
	if ex.Frames == nil {
		ex.Frames = []Frame{}
	}
	return nil
}

// Frame is a single stack frame.
type Frame struct {
	Filename    string   `json:"filename"`
	AbsPath     string   `json:"absPath,omitempty"`
	Function    string   `json:"function,omitempty"`
	LineNo      int      `json:"lineNo,omitempty"`
	ColNo       int      `json:"colNo,omitempty"`
	ContextLine string   `json:"contextLine,omitempty"`
	PreContext  []string `json:"preContext,omitempty"`
	PostContext []string `json:"postContext,omitempty"`
	InApp       bool     `json:"inApp"`
}

// UnmarshalJSON accepts both snake_case (webhook) and camelCase (REST API) keys.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var raw struct {
		Filename    looseString `json:"filename"`
		AbsPathS    looseString `json:"abs_path"`
		AbsPathC    looseString `json:"absPath"`
		Function    looseString `json:"function"`
		LineNoS     looseInt    `json:"lineno"`
		LineNoC     looseInt    `json:"lineNo"`
		ColNoS      looseInt    `json:"colno"`
		ColNoC      looseInt    `json:"colNo"`
		ContextS    looseString `json:"context_line"`
		ContextC    looseString `json:"contextLine"`
		PreContextS []string    `json:"pre_context"`
		PreContextC []string    `json:"preContext"`
		PostContS   []string    `json:"post_context"`
		PostContC   []string    `json:"postContext"`
		InAppS      *bool       `json:"in_app"`
		InAppC      *bool       `json:"inApp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Filename = string(raw.Filename)
	f.AbsPath = firstString(string(raw.AbsPathC), string(raw.AbsPathS))
	f.Function = string(raw.Function)
	f.LineNo = firstInt(int(raw.LineNoC), int(raw.LineNoS))
	f.ColNo = firstInt(int(raw.ColNoC), int(raw.ColNoS))
	f.ContextLine = firstString(string(raw.ContextS), string(raw.ContextC))
	f.PreContext = raw.PreContextC
	if f.PreContext == nil {
		f.PreContext = raw.PreContextS
	}
	f.PostContext = raw.PostContC
	if f.PostContext == nil {
		f.PostContext = raw.PostContS
	}
	switch {
	case raw.InAppC != nil:
		f.InApp = *raw.InAppC
	case raw.InAppS != nil:
		f.InApp = *raw.InAppS
	}
	return nil
}

// Tag is a key/value pair. On the wire it is either a [key, value] tuple or
// a {"key": ..., "value": ...} object.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (t *Tag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var pair []looseString
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) > 0 {
			t.Key = string(pair[0])
		}
		if len(pair) > 1 {
			t.Value = string(pair[1])
		}
		return nil
	}

	var obj struct {
		Key   looseString `json:"key"`
		Value looseString `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.Key = string(obj.Key)
	t.Value = string(obj.Value)
	return nil
}

// looseString decodes a JSON string, number or null into a string. Sentry
// sends ids and timestamps in either form depending on the endpoint.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")):
		*s = ""
	case data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
	case data[0] == '{', data[0] == '[':
		*s = ""
	default:
		*s = looseString(data)
	}
	return nil
}

// looseInt decodes a JSON number or numeric string into an int.
type looseInt int

func (n *looseInt) UnmarshalJSON(data []byte) error {
	var s looseString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	str := strings.TrimSpace(string(s))
	if str == "" {
		*n = 0
		return nil
	}
	if v, err := strconv.Atoi(str); err == nil {
		*n = looseInt(v)
		return nil
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		// Non-numeric values are treated as absent.
		*n = 0
		return nil
	}
	*n = looseInt(f)
	return nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
