package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/artifacts"
	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/pipeline"
	"github.com/rhuss/autoscript/pkg/storage"
)

// Pipeline runs one request through generate, execute and fix.
// *pipeline.Orchestrator implements it.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

// ErrNoArtifact is returned by GetArtifact for runs without a stored
// artifact.
var ErrNoArtifact = errors.New("run has no stored artifact")

// Service implements RunCreator and RunReader. It records every run in a
// RunStore and keeps the artifacts of succeeded runs in an artifacts.Store.
type Service struct {
	pipeline  Pipeline
	store     storage.RunStore
	artifacts artifacts.Store // nil disables artifact retention
	inflight  *InFlightRegistry
	slots     chan struct{} // nil means unbounded
	now       func() time.Time
}

// NewService creates a Service. maxConcurrent bounds simultaneous runs;
// zero means unbounded. arts may be nil.
func NewService(p Pipeline, store storage.RunStore, arts artifacts.Store, maxConcurrent int) *Service {
	s := &Service{
		pipeline:  p,
		store:     store,
		artifacts: arts,
		inflight:  NewInFlightRegistry(),
		now:       time.Now,
	}
	if maxConcurrent > 0 {
		s.slots = make(chan struct{}, maxConcurrent)
	}
	return s
}

// CreateRun validates req, runs the pipeline and persists the outcome.
// Errors are *api.APIError values. When the pipeline ran, the result is
// returned together with the error so callers can report attempts.
func (s *Service) CreateRun(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, api.NewInvalidRequestError("instruction", "Instruction is required.")
	}
	if len(req.Paths) == 0 {
		return nil, api.NewInvalidRequestError("files", "No files uploaded.")
	}

	if !s.acquire() {
		return nil, api.NewTooManyRequestsError("too many concurrent runs, try again later")
	}
	defer s.release()

	id := req.ID
	if id == "" {
		id = api.NewRunID()
	}
	names := req.Names
	if len(names) == 0 {
		names = req.Paths
	}
	run := &api.Run{
		ID:          id,
		Object:      "run",
		Instruction: req.Instruction,
		Files:       names,
		Status:      api.RunStatusInProgress,
		CreatedAt:   s.now().Unix(),
	}
	if err := s.store.SaveRun(ctx, run); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, api.NewInvalidRequestError("id", fmt.Sprintf("run %s already exists", id))
		}
		return nil, api.NewServerError(fmt.Sprintf("saving run: %v", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.inflight.Register(id, cancel)
	defer s.inflight.Remove(id)

	out, err := s.pipeline.Run(runCtx, pipeline.Request{
		ID:          id,
		Files:       req.Paths,
		Instruction: req.Instruction,
	})

	// The record is finished even when the client went away.
	s.finish(context.WithoutCancel(ctx), run, out, err)

	res := &RunResult{Run: storage.CloneRun(run), Outcome: out}
	if run.Error != nil {
		return res, run.Error
	}
	return res, nil
}

// finish copies the outcome into run, stores the artifact and updates the
// record.
func (s *Service) finish(ctx context.Context, run *api.Run, out *pipeline.Outcome, err error) {
	if out != nil {
		run.Attempts = len(out.Attempts)
		run.LastLog = out.Log
	}

	switch {
	case err == nil && out != nil && out.Success():
		run.Status = api.RunStatusSucceeded
		run.ArtifactKind = api.ArtifactKindNone
		if obj, ok := artifacts.FromArtifact(out.Artifact); ok {
			run.ArtifactKind = api.ArtifactKind(out.Artifact.Kind)
			run.ArtifactName = obj.Name
			s.storeArtifact(ctx, run, obj)
		}
	case errors.Is(err, pipeline.ErrRetryBudgetExhausted):
		run.Status = api.RunStatusFailed
		run.Error = ErrorFromRun(err, run.LastLog)
	default:
		if err == nil {
			err = errors.New("run ended without success")
		}
		run.Status = api.RunStatusError
		run.Error = ErrorFromRun(err, run.LastLog)
	}
	run.CompletedAt = s.now().Unix()

	if uerr := s.store.UpdateRun(ctx, run); uerr != nil {
		slog.Warn("updating run record failed", "run_id", run.ID, "error", uerr)
	}
}

func (s *Service) storeArtifact(ctx context.Context, run *api.Run, obj artifacts.Object) {
	if s.artifacts == nil {
		return
	}
	key := artifacts.Key(run.ID, obj.Name)
	if err := s.artifacts.Put(ctx, key, obj); err != nil {
		slog.Warn("storing artifact failed", "run_id", run.ID, "key", key, "error", err)
		return
	}
	run.ArtifactKey = key
	debug.Log("transport", "artifact stored", "run_id", run.ID, "key", key, "bytes", len(obj.Data))
}

// GetRun returns the run record.
func (s *Service) GetRun(ctx context.Context, id string) (*api.Run, error) {
	return s.store.GetRun(ctx, id)
}

// ListRuns lists run records.
func (s *Service) ListRuns(ctx context.Context, opts storage.ListOptions) (*api.RunList, error) {
	return s.store.ListRuns(ctx, opts)
}

// GetArtifact returns the stored artifact of run id. It returns
// storage.ErrNotFound for unknown runs and ErrNoArtifact when the run kept
// nothing.
func (s *Service) GetArtifact(ctx context.Context, id string) (*artifacts.Object, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.ArtifactKey == "" || s.artifacts == nil {
		return nil, ErrNoArtifact
	}
	obj, err := s.artifacts.Get(ctx, run.ArtifactKey)
	if errors.Is(err, artifacts.ErrNotFound) {
		return nil, ErrNoArtifact
	}
	return obj, err
}

// DeleteRun cancels run id when it is still in progress. A finished run is
// removed together with its artifact.
func (s *Service) DeleteRun(ctx context.Context, id string) (bool, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return false, err
	}
	if !run.Status.Terminal() && s.inflight.Cancel(id) {
		return true, nil
	}

	if err := s.store.DeleteRun(ctx, id); err != nil {
		return false, err
	}
	if run.ArtifactKey != "" && s.artifacts != nil {
		if err := s.artifacts.Delete(ctx, run.ArtifactKey); err != nil && !errors.Is(err, artifacts.ErrNotFound) {
			slog.Warn("deleting artifact failed", "run_id", id, "key", run.ArtifactKey, "error", err)
		}
	}
	return false, nil
}

// HealthCheck verifies the run store.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}

// InFlight returns the number of runs in progress.
func (s *Service) InFlight() int {
	return s.inflight.Len()
}

func (s *Service) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Service) release() {
	if s.slots != nil {
		<-s.slots
	}
}
