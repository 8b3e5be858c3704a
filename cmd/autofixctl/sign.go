package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/autofix/internal/config"
	"github.com/fyrsmithlabs/autofix/internal/webhook"
)

var (
	signSecret   string
	signResource string
	signSend     bool
)

func init() {
	signCmd.Flags().StringVar(&signSecret, "secret", "", "webhook client secret (default $SENTRY_CLIENT_SECRET)")
	signCmd.Flags().StringVar(&signResource, "resource", webhook.ResourceEventAlert, "resource header sent with --send")
	signCmd.Flags().BoolVar(&signSend, "send", false, "POST the signed payload to the server's webhook endpoint")
	rootCmd.AddCommand(signCmd)
}

var signCmd = &cobra.Command{
	Use:   "sign [file]",
	Short: "Sign a webhook payload",
	Long: `Compute the HMAC-SHA256 signature autofixd expects for a payload read
from a file or stdin. With --send the payload is delivered to the server.

Examples:
  autofixctl sign alert.json
  cat alert.json | autofixctl sign --send --resource event_alert`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := signSecret
		if secret == "" {
			secret = os.Getenv("SENTRY_CLIENT_SECRET")
		}
		if secret == "" {
			return errors.New("no secret: pass --secret or set SENTRY_CLIENT_SECRET")
		}

		var (
			body []byte
			err  error
		)
		if len(args) == 1 && args[0] != "-" {
			body, err = os.ReadFile(args[0])
		} else {
			body, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}

		sig := webhook.NewVerifier(config.Secret(secret)).Sign(body)
		if !signSend {
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		}

		url := strings.TrimRight(serverURL, "/") + "/webhook/sentry"
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(webhook.HeaderResource, signResource)
		req.Header.Set(webhook.HeaderSignature, sig)

		var resp struct {
			Received bool   `json:"received"`
			Action   string `json:"action"`
			Reason   string `json:"reason"`
			IssueID  string `json:"issueId"`
		}
		if err := send(req, &resp); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Action: %s\n", resp.Action)
		if resp.IssueID != "" {
			fmt.Fprintf(out, "Issue:  %s\n", resp.IssueID)
		}
		if resp.Reason != "" {
			fmt.Fprintf(out, "Reason: %s\n", resp.Reason)
		}
		return nil
	},
}
