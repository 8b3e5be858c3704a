package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// issue matches store.Issue as served by autofixd.
type issue struct {
	SentryIssueID string     `json:"sentry_issue_id"`
	SentryProject string     `json:"sentry_project"`
	Repo          string     `json:"repo"`
	Title         string     `json:"title"`
	Level         string     `json:"level"`
	FirstSeenAt   *time.Time `json:"first_seen_at"`
	Attempts      int        `json:"attempts"`
	Status        string     `json:"status"`
	PRURL         string     `json:"pr_url,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// auditEntry matches store.AuditEntry.
type auditEntry struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action,omitempty"`
	IssueID     string    `json:"issue_id,omitempty"`
	ProjectSlug string    `json:"project_slug,omitempty"`
	Decision    string    `json:"decision"`
	Reason      string    `json:"reason,omitempty"`
}

type stats struct {
	Total    int `json:"total"`
	ByStatus []struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	} `json:"byStatus"`
}

// statusResponse matches the GET /api/status body.
type statusResponse struct {
	Issues      []issue      `json:"issues"`
	Stats       stats        `json:"stats"`
	Projects    []project    `json:"projects"`
	WebhookLogs []auditEntry `json:"webhookLogs"`
	Config      struct {
		MaxConcurrent int `json:"maxConcurrent"`
		MaxAttempts   int `json:"maxAttempts"`
	} `json:"config"`
	Scheduler struct {
		Active int `json:"active"`
		Queued int `json:"queued"`
	} `json:"scheduler"`
}

var listLimit int

func init() {
	issuesCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum issues to list")
	webhooksCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum entries to list")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(issuesCmd)
	rootCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(webhooksCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler load and issue counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp statusResponse
		if err := apiCall(http.MethodGet, "/api/status", nil, &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Jobs:     %d active, %d queued (max %d concurrent, %d attempts per issue)\n",
			resp.Scheduler.Active, resp.Scheduler.Queued, resp.Config.MaxConcurrent, resp.Config.MaxAttempts)
		fmt.Fprintf(out, "Issues:   %d total\n", resp.Stats.Total)
		for _, sc := range resp.Stats.ByStatus {
			fmt.Fprintf(out, "  %-12s %d\n", sc.Status, sc.Count)
		}
		fmt.Fprintf(out, "Projects: %d mapped\n", len(resp.Projects))
		return nil
	},
}

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List the most recently updated issues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var issues []issue
		path := "/api/issues?limit=" + strconv.Itoa(listLimit)
		if err := apiCall(http.MethodGet, path, nil, &issues); err != nil {
			return err
		}
		printIssues(cmd.OutOrStdout(), issues)
		return nil
	},
}

var issueCmd = &cobra.Command{
	Use:   "issue <id>",
	Short: "Show one issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var is issue
		if err := apiCall(http.MethodGet, "/api/issues/"+url.PathEscape(args[0]), nil, &is); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Issue:    %s\n", is.SentryIssueID)
		fmt.Fprintf(out, "Title:    %s\n", is.Title)
		fmt.Fprintf(out, "Project:  %s (%s)\n", is.SentryProject, is.Repo)
		fmt.Fprintf(out, "Status:   %s\n", is.Status)
		fmt.Fprintf(out, "Attempts: %d\n", is.Attempts)
		if is.PRURL != "" {
			fmt.Fprintf(out, "PR:       %s\n", is.PRURL)
		}
		if is.ErrorMessage != "" {
			fmt.Fprintf(out, "Message:  %s\n", is.ErrorMessage)
		}
		if is.LastError != "" {
			fmt.Fprintf(out, "Failure:  %s\n", is.LastError)
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Give an issue one more remediation attempt",
	Long: `Reset an issue to pending, return one attempt and resubmit it.

Examples:
  autofixctl retry 4504721234`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/issues/" + url.PathEscape(args[0]) + "/retry"
		if err := apiCall(http.MethodPost, path, nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Retry requested for issue %s\n", args[0])
		return nil
	},
}

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "List recent webhook decisions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var entries []auditEntry
		path := "/api/webhooks?limit=" + strconv.Itoa(listLimit)
		if err := apiCall(http.MethodGet, path, nil, &entries); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tRESOURCE\tACTION\tISSUE\tPROJECT\tDECISION\tREASON")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Local().Format(time.DateTime), e.Resource, e.Action,
				e.IssueID, e.ProjectSlug, e.Decision, e.Reason)
		}
		return w.Flush()
	},
}

func printIssues(out io.Writer, issues []issue) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tPROJECT\tTITLE\tPR")
	for _, is := range issues {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			is.SentryIssueID, is.Status, is.Attempts, is.SentryProject, truncate(is.Title, 60), is.PRURL)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
