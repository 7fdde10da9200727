package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/autoscript/pkg/output"
	"github.com/rhuss/autoscript/pkg/pipeline"
)

type pipelineFunc func(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)

func (f pipelineFunc) Run(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
	return f(ctx, req)
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want *mcp.TextContent", res.Content[0])
	}
	return tc.Text
}

func TestRunInstructionWritesArtifact(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "out")
	p := pipelineFunc(func(_ context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
		if req.ID == "" {
			t.Error("run id not set")
		}
		return &pipeline.Outcome{
			RunID:    req.ID,
			State:    pipeline.StateSucceeded,
			Attempts: make([]pipeline.Attempt, 2),
			Artifact: &output.Artifact{Kind: output.KindFile, Name: "result.csv", Data: []byte("x\n")},
		}, nil
	})

	res, out, err := runInstruction(p)(context.Background(), nil, RunInput{
		Instruction: "convert",
		Files:       []string{"/data/in.csv"},
		OutputDir:   outDir,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.IsError {
		t.Errorf("unexpected tool error: %s", text(t, res))
	}
	want := filepath.Join(outDir, "result.csv")
	if out.Path != want || out.Attempts != 2 || out.Status != "succeeded" {
		t.Errorf("output = %+v", out)
	}
	if data, err := os.ReadFile(want); err != nil || string(data) != "x\n" {
		t.Errorf("written file = %q, %v", data, err)
	}
}

func TestRunInstructionNoFiles(t *testing.T) {
	p := pipelineFunc(func(_ context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
		return &pipeline.Outcome{
			State:    pipeline.StateSucceeded,
			Attempts: make([]pipeline.Attempt, 1),
			Artifact: &output.Artifact{Kind: output.KindEmpty},
		}, nil
	})

	res, out, err := runInstruction(p)(context.Background(), nil, RunInput{
		Instruction: "inspect",
		Files:       []string{"/data/in.csv"},
		OutputDir:   t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := text(t, res); got != "No files available for download." {
		t.Errorf("text = %q", got)
	}
	if out.Path != "" {
		t.Errorf("path = %q, want empty", out.Path)
	}
}

func TestRunInstructionExhausted(t *testing.T) {
	p := pipelineFunc(func(_ context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
		return &pipeline.Outcome{
			State:    pipeline.StateExhaustedFailure,
			Attempts: make([]pipeline.Attempt, 3),
			Log:      "ZeroDivisionError: division by zero",
		}, fmt.Errorf("%w after 3 attempts", pipeline.ErrRetryBudgetExhausted)
	})

	res, out, err := runInstruction(p)(context.Background(), nil, RunInput{
		Instruction: "divide",
		Files:       []string{"/data/in.csv"},
		OutputDir:   t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("expected a tool error result")
	}
	if !strings.Contains(text(t, res), "ZeroDivisionError") {
		t.Errorf("text does not carry the log: %q", text(t, res))
	}
	if out.Log != "ZeroDivisionError: division by zero" || out.Attempts != 3 {
		t.Errorf("output = %+v", out)
	}
}

func TestRunInstructionValidation(t *testing.T) {
	called := false
	p := pipelineFunc(func(context.Context, pipeline.Request) (*pipeline.Outcome, error) {
		called = true
		return nil, errors.New("unreachable")
	})

	tests := []struct {
		name string
		in   RunInput
	}{
		{"no instruction", RunInput{Files: []string{"a"}, OutputDir: "/tmp"}},
		{"no files", RunInput{Instruction: "x", OutputDir: "/tmp"}},
		{"no output dir", RunInput{Instruction: "x", Files: []string{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := runInstruction(p)(context.Background(), nil, tt.in); err == nil {
				t.Error("expected error")
			}
		})
	}
	if called {
		t.Error("pipeline ran for invalid input")
	}
}

func TestNewServerRegistersTool(t *testing.T) {
	if newServer(pipelineFunc(nil)) == nil {
		t.Fatal("server not built")
	}
}
