package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rhuss/autoscript/pkg/sandbox"
)

func stagedSession(t *testing.T) *sandbox.Session {
	t.Helper()
	s, err := sandbox.NewSession(t.TempDir())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	input := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(input, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stage([]string{input}); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	return s
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestRunnerRunSuccess(t *testing.T) {
	var got ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(ExecuteResponse{
			Status:          StatusSuccess,
			Stdout:          "done\n",
			ExecutionTimeMs: 1200,
			FilesProduced: map[string]string{
				"result.csv":       b64("a,b,c\n"),
				"charts/plot.txt":  b64("plot"),
				"../../escape.txt": b64("nope"),
			},
		})
	}))
	defer srv.Close()

	s := stagedSession(t)
	r := New(NewStaticAcquirer(srv.URL+"/"), nil)

	res, err := r.Run(context.Background(), s, sandbox.Job{Code: "print('done')", Requirements: []string{"pandas"}, Timeout: 1500 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Log != "done\n" || res.Duration != 1200*time.Millisecond {
		t.Errorf("unexpected result: %+v", res)
	}

	if got.Code != "print('done')" || got.TimeoutSeconds != 2 || len(got.Requirements) != 1 {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.Files["input.csv"] != b64("a,b\n1,2\n") {
		t.Errorf("input file not shipped: %v", got.Files)
	}

	data, err := os.ReadFile(filepath.Join(s.OutputDir, "result.csv"))
	if err != nil || string(data) != "a,b,c\n" {
		t.Errorf("result.csv = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(s.OutputDir, "charts", "plot.txt")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.OutputDir, "escape.txt")); err != nil {
		t.Errorf("traversal path not confined to output dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.WorkDir, "..", "escape.txt")); !os.IsNotExist(err) {
		t.Error("file escaped the output dir")
	}
}

func TestRunnerRunFailure(t *testing.T) {
	tests := []struct {
		name      string
		resp      ExecuteResponse
		wantLog   string
		wantTimed bool
	}{
		{
			name:    "stderr",
			resp:    ExecuteResponse{Status: StatusError, Stdout: "x", Stderr: "KeyError: 'b'\n", ExitCode: 1},
			wantLog: "KeyError: 'b'\n",
		},
		{
			name:    "stdout fallback",
			resp:    ExecuteResponse{Status: StatusError, Stdout: "failed politely\n", ExitCode: 3},
			wantLog: "failed politely\n",
		},
		{
			name:      "timeout",
			resp:      ExecuteResponse{Status: StatusTimeout, Stderr: "execution timed out after 5s", ExitCode: -1},
			wantLog:   "execution timed out after 5s",
			wantTimed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.resp)
			}))
			defer srv.Close()

			res, err := New(NewStaticAcquirer(srv.URL), nil).Run(context.Background(), stagedSession(t), sandbox.Job{Code: "x"})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Log != tt.wantLog || res.TimedOut != tt.wantTimed {
				t.Errorf("log=%q timed_out=%v", res.Log, res.TimedOut)
			}
		})
	}
}

func TestRunnerCapacityIsInfrastructureError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(NewStaticAcquirer(srv.URL), nil).Run(context.Background(), stagedSession(t), sandbox.Job{Code: "x"})
	if !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
}

type countingAcquirer struct {
	url      string
	err      error
	released int
}

func (a *countingAcquirer) Acquire(ctx context.Context) (string, func(), error) {
	if a.err != nil {
		return "", nil, a.err
	}
	return a.url, func() { a.released++ }, nil
}

func TestRunnerReleasesSandbox(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ExecuteResponse{Status: StatusSuccess})
	}))
	defer srv.Close()

	acq := &countingAcquirer{url: srv.URL}
	s := stagedSession(t)
	if _, err := New(acq, nil).Run(context.Background(), s, sandbox.Job{Code: "x"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if acq.released != 1 {
		t.Errorf("released %d times, want 1", acq.released)
	}
	if s.Handle != "" {
		t.Errorf("handle not cleared: %q", s.Handle)
	}

	// Claim-based acquirers need no up-front health check.
	if err := New(acq, nil).Prepare(context.Background()); err != nil {
		t.Errorf("Prepare: %v", err)
	}
}

func TestRunnerAcquireFailure(t *testing.T) {
	acq := &countingAcquirer{err: errors.New("no capacity in cluster")}
	if _, err := New(acq, nil).Run(context.Background(), stagedSession(t), sandbox.Job{Code: "x"}); err == nil {
		t.Fatal("expected error when acquisition fails")
	}
}

func TestRunnerPrepare(t *testing.T) {
	tests := []struct {
		name   string
		health HealthResponse
		envErr bool
	}{
		{name: "python", health: HealthResponse{Status: "healthy", Mode: ModePython}},
		{name: "non-python runtime", health: HealthResponse{Status: "healthy", Mode: "shell"}, envErr: true},
		{name: "mode missing", health: HealthResponse{Status: "healthy"}, envErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.health)
			}))
			defer srv.Close()

			err := New(NewStaticAcquirer(srv.URL), nil).Prepare(context.Background())
			if got := sandbox.IsEnvironmentError(err); got != tt.envErr {
				t.Fatalf("Prepare err = %v, want environment error %v", err, tt.envErr)
			}
		})
	}
}

func TestRunnerPrepareUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	err := New(NewStaticAcquirer(url), nil).Prepare(context.Background())
	if !sandbox.IsEnvironmentError(err) {
		t.Fatalf("expected EnvironmentError for unreachable server, got %v", err)
	}
}
