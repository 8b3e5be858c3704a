package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/autofix/internal/webhook"
	gh "github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T, mux *http.ServeMux) *Publisher {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := gh.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base

	return NewPublisherWithClient(client, &Config{
		Token: "test-token",
		Retry: &RetryConfig{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}, nil)
}

func prRequest() PRRequest {
	return PRRequest{
		Repo:       "acme/web",
		Branch:     "sentry-autofix/4501-1700000000",
		BaseBranch: "main",
		Event: &webhook.ParsedEvent{
			IssueID: "4501",
			Title:   "TypeError: x is undefined",
			Level:   "error",
			Message: "Cannot read properties of undefined (reading 'id')",
			WebURL:  "https://sentry.io/organizations/acme/issues/4501/",
			Culprit: "render(app.js)",
		},
		ChangedFiles: []string{"src/app.js"},
	}
}

func TestEnsureLabel(t *testing.T) {
	t.Run("existing label", func(t *testing.T) {
		var created atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("GET /repos/acme/web/labels/sentry-autofix", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"name":"sentry-autofix"}`))
		})
		mux.HandleFunc("POST /repos/acme/web/labels", func(w http.ResponseWriter, r *http.Request) {
			created.Add(1)
			w.WriteHeader(http.StatusCreated)
		})

		p := newTestPublisher(t, mux)
		require.NoError(t, p.EnsureLabel(context.Background(), "acme/web"))
		assert.Zero(t, created.Load())
	})

	t.Run("creates missing label", func(t *testing.T) {
		var body map[string]string
		mux := http.NewServeMux()
		mux.HandleFunc("GET /repos/acme/web/labels/sentry-autofix", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"Not Found"}`))
		})
		mux.HandleFunc("POST /repos/acme/web/labels", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"name":"sentry-autofix"}`))
		})

		p := newTestPublisher(t, mux)
		require.NoError(t, p.EnsureLabel(context.Background(), "acme/web"))
		assert.Equal(t, "sentry-autofix", body["name"])
		assert.Equal(t, "6f42c1", body["color"])
	})

	t.Run("create race is tolerated", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /repos/acme/web/labels/sentry-autofix", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		mux.HandleFunc("POST /repos/acme/web/labels", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"Validation Failed","errors":[{"code":"already_exists"}]}`))
		})

		p := newTestPublisher(t, mux)
		assert.NoError(t, p.EnsureLabel(context.Background(), "acme/web"))
	})

	t.Run("requires token", func(t *testing.T) {
		p := NewPublisherWithClient(gh.NewClient(nil), nil, nil)
		assert.ErrorIs(t, p.EnsureLabel(context.Background(), "acme/web"), ErrNoToken)
	})

	t.Run("rejects bad repo", func(t *testing.T) {
		p := newTestPublisher(t, http.NewServeMux())
		assert.ErrorIs(t, p.EnsureLabel(context.Background(), "acme"), ErrInvalidRepo)
	})
}

func TestCreatePullRequest(t *testing.T) {
	var prBody map[string]any
	var labels []string
	var attempts atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/web/pulls", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&prBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":7,"html_url":"https://github.com/acme/web/pull/7"}`))
	})
	mux.HandleFunc("POST /repos/acme/web/issues/7/labels", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&labels)
		_, _ = w.Write([]byte(`[{"name":"sentry-autofix"}]`))
	})

	p := newTestPublisher(t, mux)
	url, err := p.CreatePullRequest(context.Background(), prRequest())
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/web/pull/7", url)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, "fix: TypeError: x is undefined", prBody["title"])
	assert.Equal(t, "sentry-autofix/4501-1700000000", prBody["head"])
	assert.Equal(t, "main", prBody["base"])
	assert.Contains(t, prBody["body"], "src/app.js")
	assert.Equal(t, []string{"sentry-autofix"}, labels)
}

func TestCreatePullRequest_Unprocessable(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/web/pulls", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
	})

	p := newTestPublisher(t, mux)
	_, err := p.CreatePullRequest(context.Background(), prRequest())
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCreatePullRequest_LabelFailureIsTolerated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/web/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":9,"html_url":"https://github.com/acme/web/pull/9"}`))
	})
	mux.HandleFunc("POST /repos/acme/web/issues/9/labels", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	p := newTestPublisher(t, mux)
	url, err := p.CreatePullRequest(context.Background(), prRequest())
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/web/pull/9", url)
}

func TestPullRequestBody(t *testing.T) {
	body := PullRequestBody(prRequest())

	assert.Contains(t, body, "**Issue:** TypeError: x is undefined")
	assert.Contains(t, body, "**Link:** https://sentry.io/organizations/acme/issues/4501/")
	assert.Contains(t, body, "**Culprit:** `render(app.js)`")
	assert.Contains(t, body, "Cannot read properties of undefined")
	assert.Contains(t, body, "- `src/app.js`")
}

func TestConfigFrom(t *testing.T) {
	p, err := NewPublisher(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "sentry-autofix", p.Label())

	p, err = NewPublisher(context.Background(), &Config{Token: "x", BaseURL: "https://ghe.example.com/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://ghe.example.com/api/v3/", p.client.BaseURL.String())
}
