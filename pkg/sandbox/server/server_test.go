package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"

	"github.com/rhuss/autoscript/pkg/sandbox/remote"
)

func newPythonServer(t *testing.T) *Server {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func execute(t *testing.T, s *Server, req remote.ExecuteRequest) (*httptest.ResponseRecorder, remote.ExecuteResponse) {
	t.Helper()
	body, _ := json.Marshal(req)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body)))

	var resp remote.ExecuteResponse
	if rec.Code == http.StatusOK {
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec, resp
}

func TestExecuteSuccessCollectsOutput(t *testing.T) {
	s := newPythonServer(t)

	code := `import os, shutil
out = os.environ["OUTPUT_DIR"]
shutil.copy("input.csv", os.path.join(out, "copy.csv"))
os.makedirs(os.path.join(out, "nested"), exist_ok=True)
with open(os.path.join(out, "nested", "file.txt"), "w") as f:
    f.write("deep\n")
print("done")`
	rec, resp := execute(t, s, remote.ExecuteRequest{
		Code:           code,
		TimeoutSeconds: 10,
		Files:          map[string]string{"../input.csv": base64.StdEncoding.EncodeToString([]byte("a,b\n"))},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Status != remote.StatusSuccess || resp.ExitCode != 0 || resp.Stdout != "done\n" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	want := map[string]string{"copy.csv": "a,b\n", "nested/file.txt": "deep\n"}
	if len(resp.FilesProduced) != len(want) {
		t.Fatalf("files = %v", resp.FilesProduced)
	}
	for name, content := range want {
		got, _ := base64.StdEncoding.DecodeString(resp.FilesProduced[name])
		if string(got) != content {
			t.Errorf("%s = %q, want %q", name, got, content)
		}
	}
}

func TestExecuteFailure(t *testing.T) {
	s := newPythonServer(t)

	_, resp := execute(t, s, remote.ExecuteRequest{Code: "import sys\nsys.stderr.write('oops\\n')\nsys.exit(3)", TimeoutSeconds: 10})
	if resp.Status != remote.StatusError || resp.ExitCode != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Stderr != "oops\n" {
		t.Errorf("stderr = %q", resp.Stderr)
	}
	if resp.FilesProduced != nil {
		t.Errorf("expected no files, got %v", resp.FilesProduced)
	}
}

func TestExecuteTimeout(t *testing.T) {
	s := newPythonServer(t)

	_, resp := execute(t, s, remote.ExecuteRequest{Code: "import time\ntime.sleep(10)", TimeoutSeconds: 1})
	if resp.Status != remote.StatusTimeout || resp.ExitCode != -1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasSuffix(resp.Stderr, "execution timed out after 1s") {
		t.Errorf("stderr = %q", resp.Stderr)
	}
}

func TestExecuteValidation(t *testing.T) {
	s := newPythonServer(t)

	rec, _ := execute(t, s, remote.ExecuteRequest{Code: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty code: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader("{bad")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d", rec.Code)
	}
}

func TestExecuteAtCapacity(t *testing.T) {
	s := newPythonServer(t)
	s.currentLoad.Store(s.maxConcurrent)

	rec, _ := execute(t, s, remote.ExecuteRequest{Code: "print('hi')"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if s.currentLoad.Load() != s.maxConcurrent {
		t.Error("rejected request must release its slot")
	}
}

func TestHealth(t *testing.T) {
	s := newPythonServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var h remote.HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "healthy" || h.Mode != remote.ModePython || h.Capacity != 3 {
		t.Errorf("unexpected health: %+v", h)
	}
}

func TestNewRequiresPython(t *testing.T) {
	if _, err := New(Config{Python: "/nonexistent/python3"}); err == nil {
		t.Fatal("New must fail when the interpreter is missing")
	}
}
