package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/autofix/internal/events"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleEvents streams every bus event to the dashboard.
//
//	GET /api/events
//
//	data: {"type":"connected","timestamp":"..."}
//
//	data: {"type":"status","issueId":"42","status":"in_progress","timestamp":"..."}
func (s *Server) handleEvents(c echo.Context) error {
	sub := s.bus.Subscribe(events.AllTopic)
	defer s.bus.Unsubscribe(sub)

	setSSEHeaders(c.Response())
	if err := writeEvent(c.Response(), events.Connected("")); err != nil {
		return nil
	}
	return s.stream(c, sub)
}

// handleIssueLogs replays the durable log of one issue, marks the end of
// the backlog with history_end, then streams live events for that issue.
// The subscription is taken before the replay so no line is lost between
// the two; a line written during the replay may be delivered twice.
func (s *Server) handleIssueLogs(c echo.Context) error {
	issueID := c.Param("id")
	ctx := c.Request().Context()

	sub := s.bus.Subscribe(issueID)
	defer s.bus.Unsubscribe(sub)

	logs, err := s.store.LogsSince(ctx, issueID, 0)
	if err != nil {
		s.logger.Error(ctx, "loading issue logs", zap.String("issue_id", issueID), zap.Error(err))
		return jsonError(c, http.StatusInternalServerError, "Failed to load logs")
	}

	w := c.Response()
	setSSEHeaders(w)
	if err := writeEvent(w, events.Connected(issueID)); err != nil {
		return nil
	}
	for _, l := range logs {
		if err := writeEvent(w, events.Log(l.SentryIssueID, l.Source, l.Message, l.Timestamp)); err != nil {
			return nil
		}
	}
	if err := writeEvent(w, events.HistoryEnd(issueID, len(logs))); err != nil {
		return nil
	}
	return s.stream(c, sub)
}

// stream forwards sub until the client disconnects or the bus closes the
// subscription, sending a comment line every heartbeat interval.
func (s *Server) stream(c echo.Context, sub *events.Subscription) error {
	w := c.Response()
	ticker := time.NewTicker(s.config.SSEHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeEvent(w, ev); err != nil {
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func setSSEHeaders(w *echo.Response) {
	h := w.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()
}

func writeEvent(w *echo.Response, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
