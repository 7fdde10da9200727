package transport

import (
	"context"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/artifacts"
	"github.com/rhuss/autoscript/pkg/pipeline"
	"github.com/rhuss/autoscript/pkg/storage"
)

// RunRequest is one create-run call.
type RunRequest struct {
	// ID is assigned by RequestID-aware callers; empty means generate one.
	ID string

	Instruction string

	// Paths are the staged input files.
	Paths []string

	// Names are the client-side file names recorded on the run, in the
	// same order as Paths.
	Names []string
}

// RunResult is the result of a create-run call. Run is always set once the
// pipeline has started; Outcome is nil when it never did.
type RunResult struct {
	Run     *api.Run
	Outcome *pipeline.Outcome
}

// RunCreator executes a run synchronously.
type RunCreator interface {
	CreateRun(ctx context.Context, req *RunRequest) (*RunResult, error)
}

// RunCreatorFunc adapts a function to RunCreator.
type RunCreatorFunc func(ctx context.Context, req *RunRequest) (*RunResult, error)

// CreateRun calls f(ctx, req).
func (f RunCreatorFunc) CreateRun(ctx context.Context, req *RunRequest) (*RunResult, error) {
	return f(ctx, req)
}

// RunReader serves run records and stored artifacts.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*api.Run, error)
	ListRuns(ctx context.Context, opts storage.ListOptions) (*api.RunList, error)

	// GetArtifact returns the stored artifact of a succeeded run.
	GetArtifact(ctx context.Context, id string) (*artifacts.Object, error)

	// DeleteRun cancels an in-flight run, or removes a finished run and its
	// artifact. cancelled reports which of the two happened.
	DeleteRun(ctx context.Context, id string) (cancelled bool, err error)
}
