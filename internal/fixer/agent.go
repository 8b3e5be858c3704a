package fixer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// maxStderrBytes bounds how much agent stderr is kept for error reports.
const maxStderrBytes = 4096

// Agent runs the remediation agent in a working directory.
type Agent interface {
	// Run executes the agent with prompt in dir, calling onLine for each
	// line of output. A non-nil error means the agent did not finish.
	Run(ctx context.Context, dir, prompt string, onLine func(string)) error
}

// CLIAgent invokes an agent binary in print mode.
type CLIAgent struct {
	Path  string
	Model string
	Args  []string
}

// Command builds the exec.Cmd for prompt in dir.
func (a *CLIAgent) Command(ctx context.Context, dir, prompt string) *exec.Cmd {
	path := a.Path
	if path == "" {
		path = "claude"
	}

	args := []string{"--print"}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	args = append(args, a.Args...)
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	return cmd
}

// Run implements Agent.
func (a *CLIAgent) Run(ctx context.Context, dir, prompt string, onLine func(string)) error {
	cmd := a.Command(ctx, dir, prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent stdout: %w", err)
	}
	stderr := &tailBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line != "" && onLine != nil {
			onLine(line)
		}
	}
	// Drain so Wait does not block on a full pipe after a scan error.
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
		return err
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
