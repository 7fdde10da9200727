// Package server implements the sandbox server: an HTTP service, usually
// running inside an isolated pod, that executes one program per request in
// a throwaway directory and returns its output and produced files.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/sandbox"
	"github.com/rhuss/autoscript/pkg/sandbox/remote"
)

const maxRequestBytes = 64 << 20

// Config holds sandbox server settings.
type Config struct {
	// Python is the interpreter binary. Defaults to python3.
	Python string

	// MaxConcurrent bounds simultaneous executions. Defaults to 3.
	MaxConcurrent int

	// PythonIndex is the package index used for requirements.
	PythonIndex string

	// DefaultTimeout applies when a request carries none. Defaults to 30s.
	DefaultTimeout time.Duration
}

// Server executes programs on behalf of remote runners.
type Server struct {
	python         string
	runtimeVersion string
	maxConcurrent  int32
	currentLoad    atomic.Int32
	pythonIndex    string
	defaultTimeout time.Duration
	startTime      time.Time
}

// New validates cfg and creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	python, err := exec.LookPath(cfg.Python)
	if err != nil {
		return nil, fmt.Errorf("python interpreter %q not found: %w", cfg.Python, err)
	}

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.PythonIndex == "" {
		cfg.PythonIndex = "https://pypi.org/simple/"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}

	return &Server{
		python:         python,
		runtimeVersion: runtimeVersion(python),
		maxConcurrent:  int32(cfg.MaxConcurrent),
		pythonIndex:    cfg.PythonIndex,
		defaultTimeout: cfg.DefaultTimeout,
		startTime:      time.Now(),
	}, nil
}

// Python returns the resolved interpreter path.
func (s *Server) Python() string {
	return s.python
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	current := s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)

	if current > s.maxConcurrent {
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf("at capacity (%d/%d concurrent executions)", current, s.maxConcurrent))
		return
	}

	var req remote.ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	timeout := s.defaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	slog.Info("execute request",
		"code", debug.Truncate(req.Code, 120),
		"timeout", timeout,
		"requirements", len(req.Requirements),
		"files", len(req.Files),
	)

	workDir, err := os.MkdirTemp("", "sandbox-exec-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create temp dir: "+err.Error())
		return
	}
	defer os.RemoveAll(workDir)

	outputDir := filepath.Join(workDir, sandbox.OutputDirName)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create output dir: "+err.Error())
		return
	}

	for name, b64Content := range req.Files {
		content, err := base64.StdEncoding.DecodeString(b64Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode file %q: %v", name, err))
			return
		}
		// Base name only; inputs live flat in the work dir.
		if err := os.WriteFile(filepath.Join(workDir, filepath.Base(name)), content, 0o644); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to write file %q: %v", name, err))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	start := time.Now()

	if len(req.Requirements) > 0 {
		if err := s.installRequirements(ctx, workDir, req.Requirements); err != nil {
			writeJSON(w, http.StatusOK, remote.ExecuteResponse{
				Status:          remote.StatusError,
				Stderr:          "package installation failed: " + err.Error(),
				ExitCode:        -1,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
			})
			return
		}
	}

	codePath := filepath.Join(workDir, sandbox.CodeFile)
	if err := os.WriteFile(codePath, []byte(req.Code), 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write code: "+err.Error())
		return
	}

	cmd := exec.CommandContext(ctx, s.python, codePath)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"OUTPUT_DIR="+outputDir,
		"PYTHONPATH="+filepath.Join(workDir, ".pylibs"),
	)
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	execErr := cmd.Run()
	duration := time.Since(start)

	resp := remote.ExecuteResponse{
		Status:          remote.StatusSuccess,
		Stdout:          stdoutBuf.String(),
		Stderr:          stderrBuf.String(),
		ExecutionTimeMs: duration.Milliseconds(),
	}
	if execErr != nil {
		var exitErr *exec.ExitError
		switch {
		// The deadline takes precedence over the kill-induced exit status.
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			resp.Status = remote.StatusTimeout
			resp.ExitCode = -1
			resp.Stderr = sandbox.AppendTimeoutNote(resp.Stderr, timeout)
		case errors.As(execErr, &exitErr):
			resp.Status = remote.StatusError
			resp.ExitCode = exitErr.ExitCode()
		default:
			resp.Status = remote.StatusError
			resp.ExitCode = -1
			resp.Stderr = sandbox.FailureLog(execErr.Error(), resp.Stderr)
		}
	}

	resp.FilesProduced, err = collectOutputFiles(outputDir)
	if err != nil {
		slog.Warn("collecting output files", "error", err)
	}

	slog.Info("execute complete",
		"status", resp.Status,
		"exit_code", resp.ExitCode,
		"duration_ms", resp.ExecutionTimeMs,
		"stdout_len", stdoutBuf.Len(),
		"files_produced", len(resp.FilesProduced),
	)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) installRequirements(ctx context.Context, workDir string, requirements []string) error {
	targetDir := filepath.Join(workDir, ".pylibs")

	name, args := "uv", []string{"pip", "install", "--system", "--target", targetDir, "--index-url", s.pythonIndex}
	if _, err := exec.LookPath("uv"); err != nil {
		name, args = s.python, []string{"-m", "pip", "install", "--quiet", "--target", targetDir, "--index-url", s.pythonIndex}
	}
	args = append(args, requirements...)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err.Error(), string(output))
	}
	return nil
}

// collectOutputFiles walks the output dir and returns every regular file,
// keyed by its slash separated relative path, as base64.
func collectOutputFiles(outputDir string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = base64.StdEncoding.EncodeToString(content)
		return nil
	})
	if len(files) == 0 {
		return nil, err
	}
	return files, err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, remote.HealthResponse{
		Status:         "healthy",
		Mode:           remote.ModePython,
		RuntimeVersion: s.runtimeVersion,
		Capacity:       int(s.maxConcurrent),
		CurrentLoad:    int(s.currentLoad.Load()),
		UptimeSecs:     int64(time.Since(s.startTime).Seconds()),
	})
}

func runtimeVersion(python string) string {
	output, err := exec.Command(python, "--version").Output()
	if err != nil {
		return "unknown"
	}
	version := strings.TrimSpace(string(output))
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	return version
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
