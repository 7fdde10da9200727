// Package container runs programs in a local OCI container (podman or
// docker). Each execution gets its own uniquely named, auto-removed
// container with the session work dir mounted at /app.
package container

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/sandbox"
)

//go:embed template
var templateFS embed.FS

// DefaultImage is the tag the embedded template is built under.
const DefaultImage = "localhost/autoscript-python:latest"

// exitRuntimeFailure is the exit status podman and docker use when the
// run command itself failed, as opposed to the program inside.
const exitRuntimeFailure = 125

// Config holds the container backend settings.
type Config struct {
	// Runtime is the container CLI ("podman" or "docker"). Empty detects
	// one from PATH, preferring podman.
	Runtime string

	// Image is the image to run. Defaults to DefaultImage.
	Image string

	// BuildContext is a directory with a Containerfile used instead of the
	// embedded template.
	BuildContext string

	// BuildTimeout bounds the one-time image build. Defaults to 10m.
	BuildTimeout time.Duration

	// Memory, CPUs and PIDs are passed as --memory, --cpus, --pids-limit.
	Memory string
	CPUs   string
	PIDs   int64

	// Network is passed as --network when set (e.g. "none").
	Network string

	// MountOptions are appended to the work dir volume (e.g. "Z" for SELinux).
	MountOptions string
}

// commander runs a container CLI invocation.
type commander interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

type execCommander struct{}

func (execCommander) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	debug.Log("sandbox", "exec", "cmd", name+" "+strings.Join(args, " "))
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Runner implements sandbox.Runner on a local container runtime.
type Runner struct {
	cfg   Config
	cmd   commander
	build singleflight.Group

	mu    sync.Mutex
	ready bool
}

var _ sandbox.Runner = (*Runner)(nil)

// New creates a container Runner. Runtime detection happens here; a missing
// runtime surfaces from Prepare.
func New(cfg Config) *Runner {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.BuildTimeout == 0 {
		cfg.BuildTimeout = 10 * time.Minute
	}
	if cfg.Runtime == "" {
		cfg.Runtime = detectRuntime()
	}
	return &Runner{cfg: cfg, cmd: execCommander{}}
}

// detectRuntime prefers podman and falls back to docker.
func detectRuntime() string {
	for _, candidate := range []string{"podman", "docker"} {
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate
		}
	}
	return "podman"
}

// Name returns the backend name.
func (r *Runner) Name() string {
	return "container"
}

// Prepare makes sure the image exists, building it once per process when
// it does not. Concurrent callers share a single build.
func (r *Runner) Prepare(ctx context.Context) error {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()
	if ready {
		return nil
	}

	_, err, _ := r.build.Do(r.cfg.Image, func() (any, error) {
		// The build outlives any single caller's cancellation.
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.BuildTimeout)
		defer cancel()
		return nil, r.ensureImage(buildCtx)
	})
	if err != nil {
		return &sandbox.EnvironmentError{Backend: r.Name(), Err: err}
	}

	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
	return nil
}

func (r *Runner) ensureImage(ctx context.Context) error {
	if _, _, err := r.cmd.Run(ctx, r.cfg.Runtime, "image", "inspect", r.cfg.Image); err == nil {
		debug.Log("sandbox", "image present", "image", r.cfg.Image)
		return nil
	} else if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("container runtime %q not found: %w", r.cfg.Runtime, err)
	}

	buildDir := r.cfg.BuildContext
	if buildDir == "" {
		dir, err := writeTemplate()
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		buildDir = dir
	}

	slog.Info("building sandbox image", "runtime", r.cfg.Runtime, "image", r.cfg.Image, "context", buildDir)
	start := time.Now()
	_, stderr, err := r.cmd.Run(ctx, r.cfg.Runtime, "build", "-t", r.cfg.Image, "-f", filepath.Join(buildDir, "Containerfile"), buildDir)
	if err != nil {
		return fmt.Errorf("building image %s: %w: %s", r.cfg.Image, err, debug.Tail(stderr, 2000))
	}
	slog.Info("sandbox image built", "image", r.cfg.Image, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// writeTemplate copies the embedded build context into a temp dir.
func writeTemplate() (string, error) {
	dir, err := os.MkdirTemp("", "autoscript-image-*")
	if err != nil {
		return "", fmt.Errorf("creating build dir: %w", err)
	}
	err = fs.WalkDir(templateFS, "template", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := templateFS.ReadFile(path)
		if err != nil {
			return err
		}
		mode := os.FileMode(0o644)
		if strings.HasSuffix(path, ".sh") {
			mode = 0o755
		}
		return os.WriteFile(filepath.Join(dir, filepath.Base(path)), data, mode)
	})
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("writing build context: %w", err)
	}
	return dir, nil
}

// Run executes job in a fresh container. The container is removed after
// every call, including on timeout and cancellation.
func (r *Runner) Run(ctx context.Context, s *sandbox.Session, job sandbox.Job) (sandbox.Result, error) {
	if err := sandbox.WriteProgram(s, job); err != nil {
		return sandbox.Result{}, err
	}

	name := "autoscript-" + uuid.NewString()
	s.Handle = name
	defer func() {
		r.remove(name)
		s.Handle = ""
	}()

	execCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	stdout, stderr, err := r.cmd.Run(execCtx, r.cfg.Runtime, r.runArgs(name, s.WorkDir)...)
	res := sandbox.Result{Duration: time.Since(start)}

	switch {
	case err == nil:
		res.Success = true
		res.Log = stdout

	case ctx.Err() != nil:
		sandbox.Record(r.Name(), res, ctx.Err())
		return res, fmt.Errorf("execution in %s cancelled: %w", name, ctx.Err())

	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		res.Log = sandbox.AppendTimeoutNote(sandbox.FailureLog(stdout, stderr), job.Timeout)

	default:
		var exitErr interface{ ExitCode() int }
		if !errors.As(err, &exitErr) {
			sandbox.Record(r.Name(), res, err)
			return res, fmt.Errorf("launching container %s: %w", name, err)
		}
		if exitErr.ExitCode() == exitRuntimeFailure {
			sandbox.Record(r.Name(), res, err)
			return res, fmt.Errorf("container runtime failed to start %s: %s", name, strings.TrimSpace(stderr))
		}
		res.ExitCode = exitErr.ExitCode()
		res.Log = sandbox.FailureLog(stdout, stderr)
	}

	sandbox.Record(r.Name(), res, nil)
	slog.Debug("container execution finished",
		"instance", name,
		"success", res.Success,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

func (r *Runner) runArgs(name, workDir string) []string {
	mount := workDir + ":/app"
	if r.cfg.MountOptions != "" {
		mount += ":" + r.cfg.MountOptions
	}

	args := []string{"run", "--rm", "--name", name, "--security-opt", "no-new-privileges"}
	if r.cfg.Network != "" {
		args = append(args, "--network", r.cfg.Network)
	}
	if r.cfg.Memory != "" {
		args = append(args, "--memory", r.cfg.Memory)
	}
	if r.cfg.CPUs != "" {
		args = append(args, "--cpus", r.cfg.CPUs)
	}
	if r.cfg.PIDs > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(r.cfg.PIDs, 10))
	}
	return append(args, "-v", mount, r.cfg.Image)
}

// remove force-removes the container with a fresh context so cleanup runs
// even when the request context is already done.
func (r *Runner) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, stderr, err := r.cmd.Run(ctx, r.cfg.Runtime, "rm", "-f", name); err != nil {
		debug.Log("sandbox", "container removal failed", "instance", name, "error", err, "stderr", strings.TrimSpace(stderr))
	}
}
