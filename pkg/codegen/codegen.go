// Package codegen defines the port through which the pipeline obtains
// program text from a code generation backend.
//
// Generated code is opaque: nothing in this package or its callers parses
// or validates it beyond removing markdown code fences.
package codegen

import (
	"context"
	"strings"

	"github.com/rhuss/autoscript/pkg/digest"
)

// Generator produces program text for an instruction and repairs programs
// that failed to run.
type Generator interface {
	// Generate returns a program that carries out instruction against the
	// described input files.
	Generate(ctx context.Context, digests []digest.FileDigest, instruction string) (string, error)

	// Fix returns a corrected version of previousCode given the complete
	// error log of its last execution.
	Fix(ctx context.Context, previousCode, errorLog string) (string, error)
}

// DependencyLister is implemented by generators that can name the packages
// a program needs. The answer is advisory.
type DependencyLister interface {
	Dependencies(ctx context.Context, code string) ([]string, error)
}

// StripFences removes surrounding whitespace and a leading/trailing markdown
// code fence. The language tag on the opening fence is dropped with it.
func StripFences(code string) string {
	code = strings.TrimSpace(code)
	if strings.HasPrefix(code, "```") {
		if i := strings.IndexByte(code, '\n'); i >= 0 {
			code = code[i+1:]
		} else {
			code = strings.TrimLeft(code, "`")
		}
	}
	code = strings.TrimSpace(code)
	code = strings.TrimSuffix(code, "```")
	return strings.TrimSpace(code)
}

// ParseDependencies turns a comma separated answer into a package list.
// The literal "None" (any case) and blank entries yield nothing.
func ParseDependencies(answer string) []string {
	answer = strings.TrimSpace(StripFences(answer))
	if strings.EqualFold(answer, "none") || answer == "" {
		return nil
	}

	var deps []string
	seen := make(map[string]bool)
	for _, field := range strings.FieldsFunc(answer, func(r rune) bool { return r == ',' || r == '\n' }) {
		dep := strings.TrimSpace(field)
		if dep == "" || strings.EqualFold(dep, "none") || seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
	}
	return deps
}
