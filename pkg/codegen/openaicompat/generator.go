package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/codegen"
	"github.com/rhuss/autoscript/pkg/digest"
)

// Generator implements codegen.Generator and codegen.DependencyLister on
// top of a Chat Completions backend.
type Generator struct {
	client *Client
	cfg    Config
}

var (
	_ codegen.Generator        = (*Generator)(nil)
	_ codegen.DependencyLister = (*Generator)(nil)
)

// New creates a Generator for the configured backend.
func New(cfg Config) (*Generator, error) {
	var errs []error
	if cfg.BaseURL == "" {
		errs = append(errs, errors.New("base URL is required"))
	}
	if cfg.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("openaicompat: %w", err)
	}

	return &Generator{
		client: NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout),
		cfg:    cfg,
	}, nil
}

// Generate asks the backend for a program implementing instruction.
func (g *Generator) Generate(ctx context.Context, digests []digest.FileDigest, instruction string) (string, error) {
	messages := []ChatMessage{
		{Role: "system", Content: generateSystemPrompt(digest.Describe(digests))},
		{Role: "user", Content: instruction},
	}
	tool := codeTool(generateFunction, "Generates Python code in a structured output format", generateArgument, "Generated valid Python code")
	return g.code(ctx, messages, tool, generateArgument)
}

// Fix asks the backend to correct previousCode given its error log.
func (g *Generator) Fix(ctx context.Context, previousCode, errorLog string) (string, error) {
	messages := []ChatMessage{
		{Role: "system", Content: fixSystemPrompt},
		{Role: "user", Content: fixUserPrompt(previousCode, errorLog)},
	}
	tool := codeTool(fixFunction, "Fixes the provided Python code based on the error output", fixArgument, "Fixed version of the Python code")
	return g.code(ctx, messages, tool, fixArgument)
}

// Dependencies asks the backend which packages code needs.
func (g *Generator) Dependencies(ctx context.Context, code string) ([]string, error) {
	resp, err := g.client.Complete(ctx, &ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []ChatMessage{
			{Role: "system", Content: dependenciesSystemPrompt},
			{Role: "user", Content: dependenciesUserPrompt(code)},
		},
		MaxTokens: g.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return codegen.ParseDependencies(resp.Choices[0].Message.Content), nil
}

// Close releases the underlying HTTP client.
func (g *Generator) Close() error {
	return g.client.Close()
}

func (g *Generator) code(ctx context.Context, messages []ChatMessage, tool ChatTool, argument string) (string, error) {
	req := &ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}
	if !g.cfg.DisableTools {
		req.Tools = []ChatTool{tool}
		req.ToolChoice = forceTool(tool.Function.Name)
	}

	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return extractCode(resp.Choices[0].Message, tool.Function.Name, argument)
}

// extractCode reads the program from the forced function call, falling back
// to the message content when the backend answered without calling it.
func extractCode(msg ChatMessage, function, argument string) (string, error) {
	for _, call := range msg.ToolCalls {
		if call.Function.Name != function {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "", api.NewModelError(fmt.Sprintf("malformed %s arguments: %s", function, err.Error()))
		}
		code, _ := args[argument].(string)
		return strings.TrimSpace(code), nil
	}
	return strings.TrimSpace(msg.Content), nil
}
