package fixer

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/autofix/internal/webhook"
)

// maxFramesInPrompt keeps the prompt focused on the innermost frames.
const maxFramesInPrompt = 30

var promptTemplate = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"frames": promptFrames,
}).Parse(`You are fixing a production error reported by Sentry in the repository {{.Repo}} ({{.Language}}{{if .Framework}}, {{.Framework}}{{end}}).

Issue {{.Event.IssueID}}: {{.Event.Title}}
Level: {{.Event.Level}}
{{- if .Event.Culprit}}
Culprit: {{.Event.Culprit}}
{{- end}}
{{- if .Event.Platform}}
Platform: {{.Event.Platform}}
{{- end}}
Message: {{.Event.Message}}
{{- if .Event.Stacktrace}}

Stack trace (most recent call last):
{{- range .Event.Stacktrace}}
{{.Type}}: {{.Value}}
{{frames .Frames}}
{{- end}}
{{- end}}

Make the smallest change that fixes the root cause. Do not commit, push or create branches; leave the changes in the working tree. If the error cannot be fixed from this repository, make no changes.
`))

// BuildPrompt renders the agent prompt for req.
func BuildPrompt(req Request) (string, error) {
	var b strings.Builder
	if err := promptTemplate.Execute(&b, req); err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}
	return b.String(), nil
}

func promptFrames(frames []webhook.Frame) string {
	if len(frames) > maxFramesInPrompt {
		frames = frames[len(frames)-maxFramesInPrompt:]
	}

	var b strings.Builder
	for i, f := range frames {
		if i > 0 {
			b.WriteByte('\n')
		}
		path := f.Filename
		if path == "" {
			path = f.AbsPath
		}
		fmt.Fprintf(&b, "  at %s:%d", path, f.LineNo)
		if f.Function != "" {
			fmt.Fprintf(&b, " in %s", f.Function)
		}
		if f.InApp {
			b.WriteString(" [app]")
		}
		if line := strings.TrimSpace(f.ContextLine); line != "" {
			fmt.Fprintf(&b, "\n      %s", line)
		}
	}
	return b.String()
}
