package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Command is one subprocess invocation. A non-zero exit status is reported
// in ExecResult, not as an error.
type Command struct {
	Args           []string
	Cwd            string
	TimeoutSeconds int
	StdoutPath     string
	StderrPath     string
	// Console receives both output streams as they are produced, so the CI
	// log shows ctest's progress.
	Console io.Writer
}

type ExecResult struct {
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	StdoutPath string
	StderrPath string
	DurationMs int64
}

type Runner interface {
	Run(ctx context.Context, cmd Command) (ExecResult, error)
}

type GenericRunner struct {
	artifactRoot string
}

func NewGenericRunner(artifactRoot string) *GenericRunner {
	return &GenericRunner{artifactRoot: artifactRoot}
}

func (r *GenericRunner) Run(ctx context.Context, cmd Command) (ExecResult, error) {
	if len(cmd.Args) == 0 {
		return ExecResult{}, fmt.Errorf("command args required")
	}

	start := time.Now()
	ctx, cancel := applyTimeout(ctx, cmd.TimeoutSeconds)
	defer cancel()

	execCmd := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	if cmd.Cwd != "" {
		execCmd.Dir = cmd.Cwd
	}

	stdoutPath := cmd.StdoutPath
	if stdoutPath == "" {
		stdoutPath = filepath.Join(r.artifactRoot, "stdout.log")
	}

	stderrPath := cmd.StderrPath
	if stderrPath == "" {
		stderrPath = filepath.Join(r.artifactRoot, "stderr.log")
	}

	if err := os.MkdirAll(filepath.Dir(stdoutPath), 0o755); err != nil {
		return ExecResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(stderrPath), 0o755); err != nil {
		return ExecResult{}, err
	}

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return ExecResult{}, err
	}
	defer stdoutFile.Close()

	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return ExecResult{}, err
	}
	defer stderrFile.Close()

	var stdout io.Writer = stdoutFile
	var stderr io.Writer = stderrFile

	if cmd.Console != nil {
		console := &lockedWriter{w: cmd.Console}
		stdout = io.MultiWriter(stdoutFile, console)
		stderr = io.MultiWriter(stderrFile, console)
	}

	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	err = execCmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ExecResult{}, fmt.Errorf("%s: %w", cmd.Args[0], ctxErr)
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return ExecResult{}, fmt.Errorf("start %s: %w", cmd.Args[0], err)
	}

	finished := time.Now()
	return ExecResult{
		ExitCode:   exitCode(err),
		StartedAt:  start,
		FinishedAt: finished,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		DurationMs: finished.Sub(start).Milliseconds(),
	}, nil
}

// String renders the command as a shell command line for logs.
func (c Command) String() string {
	escaped := make([]string, len(c.Args))
	for i, arg := range c.Args {
		escaped[i] = shellEscape(arg)
	}
	return strings.Join(escaped, " ")
}

var shellSafe = regexp.MustCompile(`^[-\w@%+:,./][-\w@%+:,./=]*$`)

func shellEscape(s string) string {
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func applyTimeout(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

// lockedWriter serializes the stdout and stderr copy goroutines of exec.Cmd.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
