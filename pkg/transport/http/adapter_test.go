package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rhuss/autoscript/pkg/api"
	artmemory "github.com/rhuss/autoscript/pkg/artifacts/memory"
	"github.com/rhuss/autoscript/pkg/output"
	"github.com/rhuss/autoscript/pkg/pipeline"
	"github.com/rhuss/autoscript/pkg/sandbox"
	"github.com/rhuss/autoscript/pkg/storage/memory"
	"github.com/rhuss/autoscript/pkg/transport"
)

type pipelineFunc func(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)

func (f pipelineFunc) Run(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
	return f(ctx, req)
}

func outcome(n int, log string, art *output.Artifact) *pipeline.Outcome {
	out := &pipeline.Outcome{State: pipeline.StateSucceeded, Log: log, Artifact: art}
	for i := 1; i <= n; i++ {
		out.Attempts = append(out.Attempts, pipeline.Attempt{Sequence: i})
	}
	return out
}

func newTestAdapter(t *testing.T, p transport.Pipeline) (*Adapter, *transport.Service) {
	t.Helper()
	svc := transport.NewService(p, memory.New(100), artmemory.New(), 0)
	cfg := DefaultConfig()
	cfg.UploadDir = t.TempDir()
	return NewAdapter(svc, svc, cfg, transport.Recovery(), transport.RequestID()), svc
}

type upload struct {
	name    string
	content string
}

// multipartBody builds a create-run body. An empty instruction is omitted.
func multipartBody(t *testing.T, instruction string, files ...upload) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.name)
		if err != nil {
			t.Fatal(err)
		}
		part.Write([]byte(f.content))
	}
	if instruction != "" {
		mw.WriteField("instruction", instruction)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func postRun(t *testing.T, h http.Handler, instruction string, files ...upload) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, instruction, files...)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) *api.APIError {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	if resp.Error == nil {
		t.Fatal("error body without error")
	}
	return resp.Error
}

func TestCreateRunSingleFile(t *testing.T) {
	var staged []string
	a, _ := newTestAdapter(t, pipelineFunc(func(_ context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
		staged = req.Files
		data, err := os.ReadFile(req.Files[0])
		if err != nil || string(data) != "a,b\n1,2\n" {
			return nil, fmt.Errorf("staged file = %q, %v", data, err)
		}
		if req.Instruction != "sum column b" {
			return nil, fmt.Errorf("instruction = %q", req.Instruction)
		}
		return outcome(2, "ok", &output.Artifact{Kind: output.KindFile, Name: "result.csv", ContentType: "text/csv", Data: []byte("b\n2\n")}), nil
	}))

	rec := postRun(t, a.Handler(), "sum column b", upload{"data.csv", "a,b\n1,2\n"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "b\n2\n" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") || !strings.Contains(cd, "filename=result.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !api.ValidateRunID(rec.Header().Get(HeaderRunID)) {
		t.Errorf("X-Run-ID = %q", rec.Header().Get(HeaderRunID))
	}
	if got := rec.Header().Get(HeaderAttempts); got != "2" {
		t.Errorf("X-Attempts = %q, want 2", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	for _, p := range staged {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("staged upload %s not removed", p)
		}
	}
}

func TestCreateRunArchive(t *testing.T) {
	a, _ := newTestAdapter(t, pipelineFunc(func(_ context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
		return outcome(1, "", &output.Artifact{Kind: output.KindArchive, Name: output.ArchiveName, ContentType: "application/zip", Data: []byte("PK\x03\x04")}), nil
	}))

	rec := postRun(t, a.Handler(), "split by region", upload{"a.csv", "x"}, upload{"b.csv", "y"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "filename=output.zip") {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestCreateRunErrors(t *testing.T) {
	tests := []struct {
		name         string
		outcome      *pipeline.Outcome
		err          error
		wantStatus   int
		wantMessage  string
		wantAttempts string
	}{
		{
			name:         "no output files",
			outcome:      outcome(1, "printed only", &output.Artifact{Kind: output.KindEmpty}),
			wantStatus:   http.StatusNotFound,
			wantMessage:  NoFilesMessage,
			wantAttempts: "1",
		},
		{
			name:         "retry budget exhausted",
			outcome:      &pipeline.Outcome{State: pipeline.StateExhaustedFailure, Attempts: outcome(3, "", nil).Attempts, Log: "ModuleNotFoundError: No module named 'pandas'"},
			err:          fmt.Errorf("%w after 3 attempts", pipeline.ErrRetryBudgetExhausted),
			wantStatus:   http.StatusInternalServerError,
			wantMessage:  "ModuleNotFoundError: No module named 'pandas'",
			wantAttempts: "3",
		},
		{
			name:         "environment unavailable",
			outcome:      &pipeline.Outcome{State: pipeline.StateFailed},
			err:          &sandbox.EnvironmentError{Backend: "container", Err: errors.New("podman not found")},
			wantStatus:   http.StatusServiceUnavailable,
			wantAttempts: "0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAdapter(t, pipelineFunc(func(context.Context, pipeline.Request) (*pipeline.Outcome, error) {
				return tt.outcome, tt.err
			}))

			rec := postRun(t, a.Handler(), "do it", upload{"in.txt", "hello"})

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if rec.Header().Get(HeaderAttempts) != tt.wantAttempts {
				t.Errorf("X-Attempts = %q, want %q", rec.Header().Get(HeaderAttempts), tt.wantAttempts)
			}
			if rec.Header().Get(HeaderRunID) == "" {
				t.Error("missing X-Run-ID")
			}
			apiErr := decodeAPIError(t, rec)
			if tt.wantMessage != "" && apiErr.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", apiErr.Message, tt.wantMessage)
			}
		})
	}
}

func TestCreateRunBadRequests(t *testing.T) {
	a, _ := newTestAdapter(t, pipelineFunc(func(context.Context, pipeline.Request) (*pipeline.Outcome, error) {
		t.Error("pipeline must not run for invalid requests")
		return nil, nil
	}))
	h := a.Handler()

	t.Run("no files", func(t *testing.T) {
		rec := postRun(t, h, "do it")
		if rec.Code != http.StatusBadRequest || decodeAPIError(t, rec).Param != "files" {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("no instruction", func(t *testing.T) {
		rec := postRun(t, h, "", upload{"a.txt", "x"})
		if rec.Code != http.StatusBadRequest || decodeAPIError(t, rec).Param != "instruction" {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(`{"instruction":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestCreateRunBodyTooLarge(t *testing.T) {
	svc := transport.NewService(pipelineFunc(func(context.Context, pipeline.Request) (*pipeline.Outcome, error) {
		return outcome(1, "", nil), nil
	}), memory.New(10), nil, 0)
	cfg := DefaultConfig()
	cfg.MaxBodySize = 256
	a := NewAdapter(svc, svc, cfg)

	rec := postRun(t, a.Handler(), "do it", upload{"big.txt", strings.Repeat("x", 4096)})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestRunLookups(t *testing.T) {
	a, _ := newTestAdapter(t, pipelineFunc(func(context.Context, pipeline.Request) (*pipeline.Outcome, error) {
		return outcome(1, "ok", &output.Artifact{Kind: output.KindFile, Name: "report.txt", ContentType: "text/plain; charset=utf-8", Data: []byte("report")}), nil
	}))
	h := a.Handler()

	rec := postRun(t, h, "write a report", upload{"notes.txt", "n"})
	id := rec.Header().Get(HeaderRunID)

	get := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	rec = get(http.MethodGet, "/v1/runs/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET run status = %d", rec.Code)
	}
	var run api.Run
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatal(err)
	}
	if run.ID != id || run.Status != api.RunStatusSucceeded || run.ArtifactName != "report.txt" || run.Files[0] != "notes.txt" {
		t.Errorf("run = %+v", run)
	}

	rec = get(http.MethodGet, "/v1/runs/"+id+"/artifact")
	if rec.Code != http.StatusOK || rec.Body.String() != "report" {
		t.Errorf("GET artifact = %d %q", rec.Code, rec.Body.String())
	}

	rec = get(http.MethodGet, "/v1/runs?limit=5&status=succeeded")
	var list api.RunList
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != id {
		t.Errorf("list = %+v", list)
	}

	if rec := get(http.MethodDelete, "/v1/runs/"+id); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", rec.Code)
	}
	if rec := get(http.MethodGet, "/v1/runs/"+id); rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want 404", rec.Code)
	}
}

func TestRunLookupErrors(t *testing.T) {
	a, _ := newTestAdapter(t, pipelineFunc(func(context.Context, pipeline.Request) (*pipeline.Outcome, error) {
		return outcome(1, "", &output.Artifact{Kind: output.KindEmpty}), nil
	}))
	h := a.Handler()
	emptyRun := postRun(t, h, "print it", upload{"a.txt", "x"}).Header().Get(HeaderRunID)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"malformed id", http.MethodGet, "/v1/runs/not-a-run", http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/v1/runs/" + api.NewRunID(), http.StatusNotFound},
		{"unknown artifact", http.MethodGet, "/v1/runs/" + api.NewRunID() + "/artifact", http.StatusNotFound},
		{"run without artifact", http.MethodGet, "/v1/runs/" + emptyRun + "/artifact", http.StatusNotFound},
		{"delete unknown", http.MethodDelete, "/v1/runs/" + api.NewRunID(), http.StatusNotFound},
		{"bad order", http.MethodGet, "/v1/runs?order=sideways", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/runs?limit=0", http.StatusBadRequest},
		{"bad status", http.MethodGet, "/v1/runs?status=done", http.StatusBadRequest},
		{"both cursors", http.MethodGet, "/v1/runs?after=a&before=b", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestLookupsWithoutReader(t *testing.T) {
	creator := transport.RunCreatorFunc(func(context.Context, *transport.RunRequest) (*transport.RunResult, error) {
		return nil, nil
	})
	a := NewAdapter(creator, nil, DefaultConfig())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+api.NewRunID(), nil))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	a, _ := newTestAdapter(t, pipelineFunc(func(context.Context, pipeline.Request) (*pipeline.Outcome, error) {
		return outcome(1, "", nil), nil
	}))

	body, ct := multipartBody(t, "x", upload{"a.txt", "x"})
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Request-ID", "client-req-42")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "client-req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	a, _ := newTestAdapter(t, pipelineFunc(func(ctx context.Context, _ pipeline.Request) (*pipeline.Outcome, error) {
		seen = transport.RequestIDFromContext(ctx)
		return outcome(1, "", nil), nil
	}))

	body, ct := multipartBody(t, "x", upload{"a.txt", "x"})
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	got := rec.Header().Get("X-Request-ID")
	if got == "" {
		t.Fatal("missing X-Request-ID")
	}
	if seen != got {
		t.Errorf("pipeline saw request ID %q, response carries %q", seen, got)
	}

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/run_doesnotexist000000000000", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID on error response")
	}
}

func TestStageUploads(t *testing.T) {
	dir := t.TempDir()
	body, ct := multipartBody(t, "x",
		upload{"../../etc/passwd", "p"},
		upload{"data.csv", "first"},
		upload{"dir/data.csv", "second"},
	)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", ct)
	if err := req.ParseMultipartForm(1 << 20); err != nil {
		t.Fatal(err)
	}

	paths, names, err := stageUploads(dir, req.MultipartForm.File["files"])
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(names) != "[passwd data.csv data.csv]" {
		t.Errorf("names = %v", names)
	}
	want := []string{"passwd", "data.csv", "2-data.csv"}
	for i, p := range paths {
		if filepath.Dir(p) != dir || filepath.Base(p) != want[i] {
			t.Errorf("paths[%d] = %s, want %s in %s", i, p, want[i], dir)
		}
	}
	if data, _ := os.ReadFile(paths[2]); string(data) != "second" {
		t.Errorf("third file content = %q", data)
	}
}
