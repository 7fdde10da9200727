// Command mcp-server exposes the autoscript pipeline as an MCP tool over
// streamable HTTP on /mcp. The tool reads input files from, and writes its
// result to, the server's local filesystem.
//
// It shares the configuration of the HTTP server; MCP_PORT overrides the
// listen port (default: 8081).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/app"
	"github.com/rhuss/autoscript/pkg/config"
	"github.com/rhuss/autoscript/pkg/output"
	"github.com/rhuss/autoscript/pkg/pipeline"
	"github.com/rhuss/autoscript/pkg/transport"
)

// RunInput is the argument of the run_instruction tool.
type RunInput struct {
	Instruction string   `json:"instruction" jsonschema:"what the generated program should do with the files"`
	Files       []string `json:"files" jsonschema:"absolute paths of the input files"`
	OutputDir   string   `json:"output_dir" jsonschema:"directory the result file is written to"`
}

// RunOutput is the structured result of the run_instruction tool.
type RunOutput struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Path     string `json:"path,omitempty"`
	Log      string `json:"log,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("mcp server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	app.InitLogging(cfg.Logging)

	p, err := app.NewPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	server := newServer(p)
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})

	port := os.Getenv("MCP_PORT")
	if port == "" {
		port = "8081"
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mcp server starting", "port", port, "model", cfg.Codegen.Model, "sandbox", p.Runner.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newServer(p transport.Pipeline) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "autoscript", Version: "v1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name: "run_instruction",
		Description: "Generates a Python program for the instruction, runs it in a sandbox " +
			"against the files and retries with fixes until it succeeds. " +
			"Writes a single result file, or output.zip for several, into output_dir.",
	}, runInstruction(p))
	return server
}

func runInstruction(p transport.Pipeline) mcp.ToolHandlerFor[RunInput, RunOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in RunInput) (*mcp.CallToolResult, RunOutput, error) {
		if strings.TrimSpace(in.Instruction) == "" {
			return nil, RunOutput{}, errors.New("instruction is required")
		}
		if len(in.Files) == 0 {
			return nil, RunOutput{}, errors.New("at least one file is required")
		}
		if in.OutputDir == "" {
			return nil, RunOutput{}, errors.New("output_dir is required")
		}

		out, err := p.Run(ctx, pipeline.Request{ID: api.NewRunID(), Files: in.Files, Instruction: in.Instruction})
		if out == nil {
			return nil, RunOutput{}, err
		}
		res := RunOutput{
			RunID:    out.RunID,
			Status:   string(out.State),
			Attempts: len(out.Attempts),
		}
		if err != nil {
			res.Log = out.Log
			return textResult(true, fmt.Sprintf("run failed after %d attempts: %v\n\n%s", res.Attempts, err, out.Log)), res, nil
		}

		path, err := out.Artifact.Save(in.OutputDir)
		if errors.Is(err, output.ErrNoFiles) {
			return textResult(false, "No files available for download."), res, nil
		}
		if err != nil {
			return nil, RunOutput{}, err
		}
		res.Path = path
		return textResult(false, fmt.Sprintf("Wrote %s after %d attempts.", path, res.Attempts)), res, nil
	}
}

func textResult(isError bool, text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: isError,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
