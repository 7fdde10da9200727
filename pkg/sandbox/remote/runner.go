package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rhuss/autoscript/pkg/sandbox"
)

// Runner implements sandbox.Runner on top of a sandbox server.
type Runner struct {
	acquirer Acquirer
	client   *Client
}

var _ sandbox.Runner = (*Runner)(nil)

// New creates a remote Runner.
func New(acquirer Acquirer, client *Client) *Runner {
	if client == nil {
		client = NewClient(0)
	}
	return &Runner{acquirer: acquirer, client: client}
}

// Name returns the backend name.
func (r *Runner) Name() string {
	return "remote"
}

// Prepare health-checks a static sandbox server. Claim-based acquirers are
// provisioned per execution and have nothing to check up front.
func (r *Runner) Prepare(ctx context.Context) error {
	static, ok := r.acquirer.(*StaticAcquirer)
	if !ok {
		return nil
	}
	health, err := r.client.Health(ctx, static.URL)
	if err != nil {
		return &sandbox.EnvironmentError{Backend: r.Name(), Err: err}
	}
	if health.Mode != ModePython {
		return &sandbox.EnvironmentError{
			Backend: r.Name(),
			Err:     fmt.Errorf("sandbox server at %s runs mode %q, want %q", static.URL, health.Mode, ModePython),
		}
	}
	slog.Debug("sandbox server healthy", "url", static.URL, "runtime", health.RuntimeVersion, "load", health.CurrentLoad, "capacity", health.Capacity)
	return nil
}

// Run ships the program and the staged input files to a sandbox server and
// writes the files it produced into the session's output dir.
func (r *Runner) Run(ctx context.Context, s *sandbox.Session, job sandbox.Job) (sandbox.Result, error) {
	files, err := stagedFiles(s)
	if err != nil {
		return sandbox.Result{}, err
	}

	url, release, err := r.acquirer.Acquire(ctx)
	if err != nil {
		sandbox.Record(r.Name(), sandbox.Result{}, err)
		return sandbox.Result{}, fmt.Errorf("acquiring sandbox: %w", err)
	}
	s.Handle = url
	defer func() {
		release()
		s.Handle = ""
	}()

	req := &ExecuteRequest{
		Code:           job.Code,
		TimeoutSeconds: timeoutSeconds(job.Timeout),
		Requirements:   job.Requirements,
		Files:          files,
	}

	start := time.Now()
	resp, err := r.client.Execute(ctx, url, req)
	if err != nil {
		sandbox.Record(r.Name(), sandbox.Result{}, err)
		return sandbox.Result{}, fmt.Errorf("executing on %s: %w", url, err)
	}

	res := sandbox.Result{
		Success:  resp.Status == StatusSuccess && resp.ExitCode == 0,
		ExitCode: resp.ExitCode,
		TimedOut: resp.Status == StatusTimeout,
		Duration: time.Duration(resp.ExecutionTimeMs) * time.Millisecond,
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	if res.Success {
		res.Log = resp.Stdout
	} else {
		res.Log = sandbox.FailureLog(resp.Stdout, resp.Stderr)
	}

	if err := writeProduced(s.OutputDir, resp.FilesProduced); err != nil {
		return res, err
	}

	sandbox.Record(r.Name(), res, nil)
	return res, nil
}

// timeoutSeconds rounds up so the server never gets less time than asked.
// Zero lets the server apply its default.
func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// stagedFiles collects the top-level input files of the work dir as base64,
// leaving out the program itself and the output dir.
func stagedFiles(s *sandbox.Session) (map[string]string, error) {
	entries, err := os.ReadDir(s.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("listing work dir: %w", err)
	}

	files := make(map[string]string)
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == sandbox.CodeFile || e.Name() == sandbox.RequirementsFile {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.WorkDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		files[e.Name()] = base64.StdEncoding.EncodeToString(data)
	}
	return files, nil
}

// writeProduced materializes files returned by the server. Paths that would
// escape the output dir are rejected.
func writeProduced(outputDir string, produced map[string]string) error {
	for name, b64 := range produced {
		clean := path.Clean("/" + name)[1:]
		if clean == "" || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("sandbox returned invalid file name %q", name)
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return fmt.Errorf("decoding produced file %q: %w", name, err)
		}
		dst := filepath.Join(outputDir, filepath.FromSlash(clean))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("creating dir for %q: %w", name, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("writing produced file %q: %w", name, err)
		}
	}
	return nil
}
