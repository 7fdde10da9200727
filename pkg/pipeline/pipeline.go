// Package pipeline drives the generate, execute, diagnose and fix loop.
//
// A run digests the input files, asks the generator for a program, and
// executes it in a fresh sandbox session. When execution fails the complete
// log goes back to the generator for a fix, up to a fixed budget of fix
// attempts. The first generation does not count against the budget. On
// success the session's output dir is resolved into an artifact before the
// session is torn down.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rhuss/autoscript/pkg/codegen"
	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/digest"
	"github.com/rhuss/autoscript/pkg/observability"
	"github.com/rhuss/autoscript/pkg/output"
	"github.com/rhuss/autoscript/pkg/sandbox"
)

// EmptyCodeLog is the failure log of an attempt whose program was empty.
const EmptyCodeLog = "generated code is empty"

// DefaultMaxFixRetries is the fix budget of DefaultConfig.
const DefaultMaxFixRetries = 2

var (
	// ErrMissingInstruction is returned when a run has no instruction.
	ErrMissingInstruction = errors.New("instruction is required")

	// ErrRetryBudgetExhausted is returned, together with the Outcome, when
	// every attempt failed.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrGeneration wraps failures of the code generator itself.
	ErrGeneration = errors.New("code generation failed")
)

// Config holds orchestrator settings.
type Config struct {
	// MaxFixRetries is the number of fix attempts after the first
	// generation. Negative values are treated as zero.
	MaxFixRetries int

	// RunTimeout bounds a whole run. Zero means no bound beyond ctx.
	RunTimeout time.Duration

	// ExecutionTimeout bounds each sandbox execution.
	ExecutionTimeout time.Duration

	// WorkRoot is where session directories are created. Empty uses the
	// system temp dir.
	WorkRoot string

	// ResolveDependencies asks a generator that is a DependencyLister for
	// the program's packages before each execution.
	ResolveDependencies bool
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		MaxFixRetries:    DefaultMaxFixRetries,
		RunTimeout:       15 * time.Minute,
		ExecutionTimeout: 2 * time.Minute,
	}
}

// Request is one unit of work.
type Request struct {
	// ID identifies the run in transitions and logs. Optional.
	ID string

	Files       []string
	Instruction string
}

// Attempt records one execution.
type Attempt struct {
	Sequence int
	Code     string

	// PrecedingLog is the log of attempt Sequence-1; empty for the first.
	PrecedingLog string

	Result sandbox.Result
}

// Outcome is the result of a run.
type Outcome struct {
	RunID    string
	State    State
	Attempts []Attempt

	// Log is the last attempt's log, verbatim.
	Log string

	// Artifact is set when State is StateSucceeded.
	Artifact *output.Artifact

	// Digests are the input file excerpts given to the generator.
	Digests []digest.FileDigest
}

// Success reports whether the run produced a successful execution.
func (o *Outcome) Success() bool {
	return o.State == StateSucceeded
}

// Orchestrator runs requests through the pipeline. It is safe for
// concurrent use; runs share nothing but the collaborators.
type Orchestrator struct {
	gen       codegen.Generator
	runner    sandbox.Runner
	digester  *digest.Digester
	resolver  *output.Resolver
	observers []Observer
	cfg       Config
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithDigester replaces the default digester.
func WithDigester(d *digest.Digester) Option {
	return func(o *Orchestrator) { o.digester = d }
}

// WithResolver replaces the default output resolver.
func WithResolver(r *output.Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithObserver adds an observer of state transitions.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// New creates an Orchestrator.
func New(gen codegen.Generator, runner sandbox.Runner, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxFixRetries < 0 {
		cfg.MaxFixRetries = 0
	}
	o := &Orchestrator{
		gen:      gen,
		runner:   runner,
		digester: digest.New(digest.DefaultMaxUnits),
		resolver: &output.Resolver{},
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the mutable state of one Run call.
type run struct {
	o     *Orchestrator
	ctx   context.Context
	state State
	out   *Outcome
}

func (r *run) to(next State, attempt int, log string, err error) {
	if !CanTransition(r.state, next) {
		debug.Log("pipeline", "unexpected transition", "from", r.state, "to", next)
	}
	t := Transition{RunID: r.out.RunID, From: r.state, To: next, Attempt: attempt, Log: log, Err: err}
	r.state = next
	r.out.State = next
	for _, obs := range r.o.observers {
		obs.OnTransition(r.ctx, t)
	}
}

// fail moves the run to StateFailed and returns err for the caller.
func (r *run) fail(err error) (*Outcome, error) {
	r.to(StateFailed, len(r.out.Attempts), r.out.Log, err)
	return r.out, err
}

// Run executes req. It returns ErrMissingInstruction without side effects
// when the instruction is blank. On exhaustion it returns the Outcome and an
// error wrapping ErrRetryBudgetExhausted. Every other non-nil error comes
// with an Outcome in StateFailed.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, ErrMissingInstruction
	}

	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	observability.RunsInFlight.Inc()
	defer observability.RunsInFlight.Dec()

	r := &run{o: o, ctx: ctx, out: &Outcome{RunID: req.ID}}
	defer func() {
		observability.PipelineRunsTotal.WithLabelValues(string(r.state)).Inc()
		if len(r.out.Attempts) > 0 {
			observability.PipelineAttempts.Observe(float64(len(r.out.Attempts)))
		}
	}()

	if err := o.runner.Prepare(ctx); err != nil {
		return r.fail(fmt.Errorf("preparing %s sandbox: %w", o.runner.Name(), err))
	}

	sess, err := sandbox.NewSession(o.cfg.WorkRoot)
	if err != nil {
		return r.fail(err)
	}
	defer sess.Close()

	staged, err := sess.Stage(req.Files)
	if err != nil {
		return r.fail(err)
	}
	r.out.Digests = o.digester.Digest(ctx, staged)

	r.to(StateGenerating, 0, "", nil)
	code, err := o.gen.Generate(ctx, r.out.Digests, req.Instruction)
	if err != nil {
		return r.fail(fmt.Errorf("%w: %w", ErrGeneration, err))
	}
	code = codegen.StripFences(code)

	fixes := 0
	precedingLog := ""
	for seq := 1; ; seq++ {
		r.to(StateExecuting, seq, "", nil)
		res, err := o.execute(ctx, sess, code)
		if err != nil {
			return r.fail(err)
		}

		r.out.Attempts = append(r.out.Attempts, Attempt{
			Sequence:     seq,
			Code:         code,
			PrecedingLog: precedingLog,
			Result:       res,
		})
		r.out.Log = res.Log

		if res.Success {
			artifact, err := o.resolver.Resolve(sess.OutputDir)
			if err != nil {
				return r.fail(fmt.Errorf("resolving output: %w", err))
			}
			r.out.Artifact = artifact
			r.to(StateSucceeded, seq, res.Log, nil)
			return r.out, nil
		}

		if fixes >= o.cfg.MaxFixRetries {
			err := fmt.Errorf("%w after %d attempts", ErrRetryBudgetExhausted, seq)
			r.to(StateExhaustedFailure, seq, res.Log, err)
			return r.out, err
		}
		if err := ctx.Err(); err != nil {
			return r.fail(err)
		}

		r.to(StateFixing, seq, res.Log, nil)
		fixes++
		code, err = o.gen.Fix(ctx, code, res.Log)
		if err != nil {
			return r.fail(fmt.Errorf("%w: %w", ErrGeneration, err))
		}
		code = codegen.StripFences(code)
		precedingLog = res.Log
	}
}

// execute runs one attempt. Blank code is a failed attempt that never
// reaches the sandbox.
func (o *Orchestrator) execute(ctx context.Context, sess *sandbox.Session, code string) (sandbox.Result, error) {
	if err := sess.ResetOutput(); err != nil {
		return sandbox.Result{}, err
	}
	if strings.TrimSpace(code) == "" {
		return sandbox.Result{Success: false, Log: EmptyCodeLog, ExitCode: -1}, nil
	}

	job := sandbox.Job{Code: code, Timeout: o.cfg.ExecutionTimeout}
	if o.cfg.ResolveDependencies {
		job.Requirements = o.dependencies(ctx, code)
	}

	res, err := o.runner.Run(ctx, sess, job)
	if err != nil {
		return res, fmt.Errorf("running program in %s sandbox: %w", o.runner.Name(), err)
	}
	return res, nil
}

// dependencies asks the generator for the program's packages. The answer
// is advisory, so failures only get logged.
func (o *Orchestrator) dependencies(ctx context.Context, code string) []string {
	lister, ok := o.gen.(codegen.DependencyLister)
	if !ok {
		return nil
	}
	deps, err := lister.Dependencies(ctx, code)
	if err != nil {
		debug.Log("pipeline", "dependency listing failed", "error", err)
		return nil
	}
	return deps
}
