package codegen

import (
	"context"
	"time"

	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/digest"
	"github.com/rhuss/autoscript/pkg/observability"
)

// Instrumented wraps a Generator with request metrics and debug logging.
type Instrumented struct {
	inner Generator
}

// NewInstrumented wraps g.
func NewInstrumented(g Generator) *Instrumented {
	return &Instrumented{inner: g}
}

// Generate delegates to the wrapped generator.
func (g *Instrumented) Generate(ctx context.Context, digests []digest.FileDigest, instruction string) (string, error) {
	debug.Log("codegen", "generate", "files", len(digests), "instruction", debug.Truncate(instruction, 200))
	start := time.Now()
	code, err := g.inner.Generate(ctx, digests, instruction)
	record("generate", start, err)
	if err == nil {
		debug.Raw("codegen", code)
	}
	return code, err
}

// Fix delegates to the wrapped generator.
func (g *Instrumented) Fix(ctx context.Context, previousCode, errorLog string) (string, error) {
	debug.Log("codegen", "fix", "log_tail", debug.Tail(errorLog, 500))
	start := time.Now()
	code, err := g.inner.Fix(ctx, previousCode, errorLog)
	record("fix", start, err)
	if err == nil {
		debug.Raw("codegen", code)
	}
	return code, err
}

// Dependencies delegates when the wrapped generator is a DependencyLister
// and returns nothing otherwise.
func (g *Instrumented) Dependencies(ctx context.Context, code string) ([]string, error) {
	lister, ok := g.inner.(DependencyLister)
	if !ok {
		return nil, nil
	}
	start := time.Now()
	deps, err := lister.Dependencies(ctx, code)
	record("dependencies", start, err)
	debug.Log("codegen", "dependencies", "packages", deps)
	return deps, err
}

func record(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.CodegenRequestsTotal.WithLabelValues(operation, status).Inc()
	observability.CodegenLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
