// Package sandbox defines how generated programs are executed in an
// isolated, disposable environment.
//
// A Runner executes one program per call inside a Session's working
// directory. Program failure is reported through Result; the error return
// is reserved for infrastructure problems (the program could not be
// launched at all).
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rhuss/autoscript/pkg/observability"
)

const (
	// CodeFile is the name the program is written under in the work dir.
	CodeFile = "main.py"

	// RequirementsFile lists packages to install before the program runs.
	RequirementsFile = "requirements.txt"

	// OutputDirName is the directory, relative to the work dir, whose
	// contents are the run's artifacts.
	OutputDirName = "output"
)

// Runner executes programs in an isolated environment.
type Runner interface {
	// Prepare makes sure the environment can run programs. It returns an
	// *EnvironmentError when it cannot.
	Prepare(ctx context.Context) error

	// Run executes job inside s and reports how the program ended.
	Run(ctx context.Context, s *Session, job Job) (Result, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}

// Job is one program to execute.
type Job struct {
	Code         string
	Requirements []string

	// Timeout bounds the execution. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// Result describes how a single execution ended.
type Result struct {
	Success  bool
	Log      string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// EnvironmentError reports that the execution environment could not be
// made ready. It is fatal to the request and never retried.
type EnvironmentError struct {
	Backend string
	Err     error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("%s environment unavailable: %v", e.Backend, e.Err)
}

func (e *EnvironmentError) Unwrap() error {
	return e.Err
}

// IsEnvironmentError reports whether err is or wraps an *EnvironmentError.
func IsEnvironmentError(err error) bool {
	var envErr *EnvironmentError
	return errors.As(err, &envErr)
}

// WriteProgram writes the job's code, and its requirements when present,
// into the session's work dir.
func WriteProgram(s *Session, job Job) error {
	if err := os.WriteFile(filepath.Join(s.WorkDir, CodeFile), []byte(job.Code), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", CodeFile, err)
	}

	reqPath := filepath.Join(s.WorkDir, RequirementsFile)
	if len(job.Requirements) == 0 {
		if err := os.Remove(reqPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale %s: %w", RequirementsFile, err)
		}
		return nil
	}
	content := strings.Join(job.Requirements, "\n") + "\n"
	if err := os.WriteFile(reqPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", RequirementsFile, err)
	}
	return nil
}

// FailureLog picks the diagnostic text of a failed execution: stderr, or
// stdout when the program wrote nothing to stderr.
func FailureLog(stdout, stderr string) string {
	if strings.TrimSpace(stderr) != "" {
		return stderr
	}
	return stdout
}

// TimeoutNote is appended to the log of an execution that ran out of time.
func TimeoutNote(d time.Duration) string {
	return fmt.Sprintf("execution timed out after %s", d)
}

// AppendTimeoutNote adds TimeoutNote(d) on its own line at the end of log.
func AppendTimeoutNote(log string, d time.Duration) string {
	if log != "" && !strings.HasSuffix(log, "\n") {
		log += "\n"
	}
	return log + TimeoutNote(d)
}

// Record reports an execution to the sandbox metrics.
func Record(backend string, res Result, err error) {
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case res.TimedOut:
		status = "timeout"
	case !res.Success:
		status = "failure"
	}
	observability.SandboxExecutionsTotal.WithLabelValues(backend, status).Inc()
	if err == nil {
		observability.SandboxExecutionSeconds.WithLabelValues(backend).Observe(res.Duration.Seconds())
	}
}
