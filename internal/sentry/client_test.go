package sentry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/autofix/internal/config"
	"github.com/fyrsmithlabs/autofix/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const latestEventJSON = `{
  "eventID": "evt-1",
  "platform": "python",
  "culprit": "billing.compute",
  "tags": [{"key": "environment", "value": "staging"}],
  "request": {"url": "https://example.com/invoice"},
  "user": null,
  "contexts": {"runtime": {"name": "CPython"}},
  "entries": [
    {"type": "breadcrumbs", "data": {"values": []}},
    {"type": "exception", "data": {"values": [{
      "type": "ZeroDivisionError",
      "value": "division by zero",
      "module": "builtins",
      "stacktrace": {"frames": [
        {"filename": "billing/compute.py", "absPath": "/app/billing/compute.py", "function": "total", "lineNo": 12, "inApp": true},
        {"filename": "lib/util.py", "abs_path": "/app/lib/util.py", "lineno": 4, "in_app": false}
      ]}
    }]}}
  ]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc, token config.Secret, org string) (*Client, *observer.ObservedLogs) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	core, logs := observer.New(zap.DebugLevel)
	c := NewClient(&Config{BaseURL: srv.URL, AuthToken: token, OrgSlug: org}, srv.Client(), zap.New(core))
	return c, logs
}

func TestFetchLatestEvent(t *testing.T) {
	var gotPath, gotAuth string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(latestEventJSON))
	}, "tok", "acme")

	enr, err := c.FetchLatestEvent(context.Background(), "9001")
	require.NoError(t, err)

	assert.Equal(t, "/issues/9001/events/latest/", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "evt-1", enr.EventID)
	assert.Equal(t, "python", enr.Platform)
	assert.Equal(t, "billing.compute", enr.Culprit)
	assert.Nil(t, enr.User)
	assert.NotNil(t, enr.Contexts)

	require.Len(t, enr.Stacktrace, 1)
	frames := enr.Stacktrace[0].Frames
	require.Len(t, frames, 2)
	assert.Equal(t, "/app/billing/compute.py", frames[0].AbsPath)
	assert.Equal(t, 12, frames[0].LineNo)
	assert.True(t, frames[0].InApp)
	assert.Equal(t, "/app/lib/util.py", frames[1].AbsPath)
	assert.Equal(t, 4, frames[1].LineNo)
	assert.False(t, frames[1].InApp)
}

func TestFetchLatestEvent_FallsBackToID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"legacy-id"}`))
	}, "tok", "acme")

	enr, err := c.FetchLatestEvent(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "legacy-id", enr.EventID)
	assert.Empty(t, enr.Stacktrace)
}

func TestFetchLatestEvent_Errors(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusNotFound)
		}, "tok", "acme")

		_, err := c.FetchLatestEvent(context.Background(), "1")
		assert.True(t, errors.Is(err, ErrUnexpectedStatus))
	})

	t.Run("bad json", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"entries":`))
		}, "tok", "acme")

		_, err := c.FetchLatestEvent(context.Background(), "1")
		assert.Error(t, err)
	})

	t.Run("no credentials", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("request should not be sent")
		}, "", "acme")

		_, err := c.FetchLatestEvent(context.Background(), "1")
		assert.ErrorIs(t, err, ErrNoCredentials)
	})
}

func TestEnrich(t *testing.T) {
	t.Run("merges when stacktrace missing", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(latestEventJSON))
		}, "tok", "acme")

		ev := &webhook.ParsedEvent{IssueID: "9001", Title: "ZeroDivisionError", Culprit: "old"}
		c.Enrich(context.Background(), ev)

		assert.True(t, ev.HasStacktrace())
		assert.Equal(t, "evt-1", ev.EventID)
		assert.Equal(t, "billing.compute", ev.Culprit)
		assert.Equal(t, "ZeroDivisionError", ev.Title)
	})

	t.Run("skips events that already have frames", func(t *testing.T) {
		calls := 0
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
		}, "tok", "acme")

		ev := &webhook.ParsedEvent{
			IssueID:    "1",
			Stacktrace: []webhook.Exception{{Type: "E", Frames: []webhook.Frame{{Filename: "a.go"}}}},
		}
		c.Enrich(context.Background(), ev)
		assert.Zero(t, calls)
	})

	t.Run("skips without org", func(t *testing.T) {
		calls := 0
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
		}, "tok", "")

		c.Enrich(context.Background(), &webhook.ParsedEvent{IssueID: "1"})
		assert.Zero(t, calls)
	})

	t.Run("failure keeps event and warns", func(t *testing.T) {
		c, logs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}, "tok", "acme")

		ev := &webhook.ParsedEvent{IssueID: "1", Title: "t"}
		c.Enrich(context.Background(), ev)

		assert.Nil(t, ev.Stacktrace)
		assert.Equal(t, 1, logs.FilterMessage("enrichment failed").Len())
	})
}
