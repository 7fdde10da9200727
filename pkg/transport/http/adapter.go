package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/output"
	"github.com/rhuss/autoscript/pkg/storage"
	"github.com/rhuss/autoscript/pkg/transport"
)

// Response headers set on every create-run response once a run exists.
const (
	HeaderRunID    = "X-Run-ID"
	HeaderAttempts = "X-Attempts"
)

// NoFilesMessage is returned when a successful run wrote no output.
const NoFilesMessage = "No files available for download."

// multipartMemory is the part of an upload kept in memory before spilling
// to temp files.
const multipartMemory = 32 << 20

// Adapter serves the run API over HTTP.
type Adapter struct {
	creator transport.RunCreator
	reader  transport.RunReader // nil disables lookups
	mux     *http.ServeMux
	config  Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout int // seconds

	// UploadDir is where uploads are staged. Empty uses the system temp dir.
	UploadDir string
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     64 << 20,
		ShutdownTimeout: 30,
	}
}

// NewAdapter creates an HTTP adapter. Middleware is applied to creator in
// the given order. reader may be nil, in which case the GET and DELETE
// endpoints answer 501.
func NewAdapter(creator transport.RunCreator, reader transport.RunReader, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		creator = transport.Chain(middlewares...)(creator)
	}

	a := &Adapter{
		creator: creator,
		reader:  reader,
		mux:     http.NewServeMux(),
		config:  cfg,
	}

	a.mux.HandleFunc("POST /v1/runs", a.handleCreateRun)
	a.mux.HandleFunc("GET /v1/runs", a.handleListRuns)
	a.mux.HandleFunc("GET /v1/runs/{id}", a.handleGetRun)
	a.mux.HandleFunc("GET /v1/runs/{id}/artifact", a.handleGetArtifact)
	a.mux.HandleFunc("DELETE /v1/runs/{id}", a.handleDeleteRun)

	return a
}

// Handler returns the http.Handler for this adapter, including request ID
// propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// httpRequestIDMiddleware puts the client's X-Request-ID, or a new one,
// into the context and echoes it on the response.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		r = r.WithContext(transport.ContextWithRequestID(r.Context(), id))
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter injects X-Request-ID before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleCreateRun handles POST /v1/runs. The body is multipart/form-data
// with one or more "files" parts and an "instruction" field.
func (a *Adapter) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
		case errors.Is(err, http.ErrNotMultipart):
			transport.WriteAPIError(w, api.NewInvalidRequestError("files", "No files uploaded."))
		default:
			transport.WriteAPIError(w, api.NewInvalidRequestError("body", "invalid multipart body: "+err.Error()))
		}
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		transport.WriteAPIError(w, api.NewInvalidRequestError("files", "No files uploaded."))
		return
	}
	instruction := r.FormValue("instruction")
	if strings.TrimSpace(instruction) == "" {
		transport.WriteAPIError(w, api.NewInvalidRequestError("instruction", "Instruction is required."))
		return
	}

	dir, err := os.MkdirTemp(a.config.UploadDir, "autoscript-upload-")
	if err != nil {
		transport.WriteAPIError(w, api.NewServerError("staging uploads: "+err.Error()))
		return
	}
	defer os.RemoveAll(dir)

	paths, names, err := stageUploads(dir, headers)
	if err != nil {
		transport.WriteAPIError(w, api.NewServerError("staging uploads: "+err.Error()))
		return
	}
	debug.Log("transport", "uploads staged", "files", len(paths), "dir", dir)

	res, err := a.creator.CreateRun(r.Context(), &transport.RunRequest{
		Instruction: instruction,
		Paths:       paths,
		Names:       names,
	})
	if res != nil && res.Run != nil {
		w.Header().Set(HeaderRunID, res.Run.ID)
		w.Header().Set(HeaderAttempts, strconv.Itoa(res.Run.Attempts))
	}
	if err != nil {
		writeError(w, err)
		return
	}

	art := res.Outcome.Artifact
	if art == nil || art.Kind == output.KindEmpty {
		transport.WriteAPIError(w, api.NewNotFoundError(NoFilesMessage))
		return
	}
	writeFile(w, art.Name, art.ContentType, art.Data)
}

// stageUploads writes each uploaded part into dir under its sanitized base
// name. Repeated names get an index prefix.
func stageUploads(dir string, headers []*multipart.FileHeader) (paths, names []string, err error) {
	seen := make(map[string]bool, len(headers))
	for i, fh := range headers {
		name := filepath.Base(filepath.Clean("/" + filepath.FromSlash(fh.Filename)))
		if name == string(filepath.Separator) || name == "." {
			name = fmt.Sprintf("upload-%d", i)
		}
		stored := name
		if seen[stored] {
			stored = fmt.Sprintf("%d-%s", i, name)
		}
		seen[stored] = true

		dst := filepath.Join(dir, stored)
		if err := copyPart(fh, dst); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		paths = append(paths, dst)
		names = append(names, name)
	}
	return paths, names, nil
}

func copyPart(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeFile sends data as a download named name.
func writeFile(w http.ResponseWriter, name, contentType string, data []byte) {
	if contentType == "" {
		contentType = output.ContentType(name)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleGetRun handles GET /v1/runs/{id}.
func (a *Adapter) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := a.runID(w, r)
	if !ok {
		return
	}

	run, err := a.reader.GetRun(r.Context(), id)
	if err != nil {
		writeLookupError(w, id, err)
		return
	}
	writeJSON(w, run)
}

// handleListRuns handles GET /v1/runs.
func (a *Adapter) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.reader == nil {
		writeNotAvailable(w)
		return
	}

	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	list, err := a.reader.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, list)
}

// handleGetArtifact handles GET /v1/runs/{id}/artifact.
func (a *Adapter) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := a.runID(w, r)
	if !ok {
		return
	}

	obj, err := a.reader.GetArtifact(r.Context(), id)
	if err != nil {
		if errors.Is(err, transport.ErrNoArtifact) {
			transport.WriteAPIError(w, api.NewNotFoundError(NoFilesMessage))
			return
		}
		writeLookupError(w, id, err)
		return
	}
	writeFile(w, obj.Name, obj.ContentType, obj.Data)
}

// handleDeleteRun handles DELETE /v1/runs/{id}. A run in progress is
// cancelled (202); a finished run is deleted (204).
func (a *Adapter) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := a.runID(w, r)
	if !ok {
		return
	}

	cancelled, err := a.reader.DeleteRun(r.Context(), id)
	if err != nil {
		writeLookupError(w, id, err)
		return
	}
	if cancelled {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runID validates the {id} path value and the availability of lookups.
func (a *Adapter) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if a.reader == nil {
		writeNotAvailable(w)
		return "", false
	}
	id := r.PathValue("id")
	if !api.ValidateRunID(id) {
		transport.WriteAPIError(w, api.NewInvalidRequestError("id", "malformed run ID"))
		return "", false
	}
	return id, true
}

// parseListOptions extracts pagination parameters from the query string.
func parseListOptions(r *http.Request) (storage.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		After:  q.Get("after"),
		Before: q.Get("before"),
		Order:  q.Get("order"),
		Status: api.RunStatus(q.Get("status")),
	}

	if opts.After != "" && opts.Before != "" {
		return opts, api.NewInvalidRequestError("after", "cannot use both 'after' and 'before' cursors")
	}

	if opts.Order != "" && opts.Order != "asc" && opts.Order != "desc" {
		return opts, api.NewInvalidRequestError("order", "order must be 'asc' or 'desc'")
	}
	if opts.Order == "" {
		opts.Order = "desc"
	}

	switch opts.Status {
	case "", api.RunStatusInProgress, api.RunStatusSucceeded, api.RunStatusFailed, api.RunStatusError:
	default:
		return opts, api.NewInvalidRequestError("status", "unknown run status "+strconv.Quote(string(opts.Status)))
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return opts, api.NewInvalidRequestError("limit", "limit must be a positive integer")
		}
		opts.Limit = limit
	}

	return opts, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Log("transport", "encoding response failed", "error", err)
	}
}

func writeNotAvailable(w http.ResponseWriter) {
	transport.WriteErrorResponse(w,
		api.NewInvalidRequestError("", "run lookup is not available (no store configured)"),
		http.StatusNotImplemented,
	)
}

func writeLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		transport.WriteAPIError(w, api.NewNotFoundError("run "+id+" not found"))
		return
	}
	writeError(w, err)
}

// writeError writes err as an APIError, keeping typed errors as they are.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		apiErr = api.NewServerError(err.Error())
	}
	transport.WriteAPIError(w, apiErr)
}
