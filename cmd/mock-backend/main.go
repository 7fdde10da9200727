// Command mock-backend runs a deterministic Chat Completions server that
// answers code generation requests with fixed Python programs. It lets the
// pipeline run end to end without a model.
//
// The program is chosen from keywords in the instruction:
//
//	"broken"  - the first program fails with a NameError; the fix succeeds
//	"hopeless"- every program fails
//	"silent"  - the program only prints and writes no output files
//	"split"   - the program writes two files (archived by the server)
//	otherwise - the program writes output/summary.txt
//
// Configuration:
//
//	MOCK_PORT - Listen port (default: 9090)
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", handleChatCompletions)
	mux.HandleFunc("GET /v1/models", handleModels)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// --- Request types ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// --- Response types ---

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	Message      chatMsg `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatMsg struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function funcCall `json:"function"`
}

type funcCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Programs ---

const summaryProgram = `import os

os.makedirs("output", exist_ok=True)
names = sorted(n for n in os.listdir(".") if os.path.isfile(n) and n != "main.py")
with open("output/summary.txt", "w") as out:
    for name in names:
        with open(name, "rb") as f:
            out.write(f"{name}: {len(f.read().splitlines())} lines\n")
print("wrote output/summary.txt")
`

const splitProgram = `import os

os.makedirs("output", exist_ok=True)
for name in ("first.txt", "second.txt"):
    with open(os.path.join("output", name), "w") as out:
        out.write(name + "\n")
`

const silentProgram = `print("nothing to write")
`

const brokenProgram = `import os

os.makedirs("output", exist_ok=True)
print(undefined_total)
`

// --- Handler ---

func handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"message":"invalid request","type":"invalid_request_error"}}`, http.StatusBadRequest)
		return
	}

	resp := respond(&req)
	resp.Model = req.Model
	if resp.Model == "" {
		resp.Model = "mock-model"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// respond classifies the request by its system prompt.
func respond(req *chatRequest) chatResponse {
	system := messageText(req, "system")
	user := messageText(req, "user")

	switch {
	case strings.Contains(system, "lists Python package dependencies"):
		return makeTextResponse("None")
	case strings.Contains(system, "fixing code"):
		code := summaryProgram
		if strings.Contains(user, "hopeless") {
			code = brokenProgram + "# hopeless\n"
		}
		return codeResponse(req, "fixed_code", code)
	default:
		return codeResponse(req, "python_code", programFor(user))
	}
}

func programFor(instruction string) string {
	lower := strings.ToLower(instruction)
	switch {
	case strings.Contains(lower, "hopeless"):
		return brokenProgram + "# hopeless\n"
	case strings.Contains(lower, "broken"):
		return brokenProgram
	case strings.Contains(lower, "silent"):
		return silentProgram
	case strings.Contains(lower, "split"):
		return splitProgram
	}
	return summaryProgram
}

// codeResponse answers with a function call when the request declares a
// tool, and with a fenced code block otherwise.
func codeResponse(req *chatRequest, argument, code string) chatResponse {
	if len(req.Tools) == 0 {
		return makeTextResponse("```python\n" + code + "```")
	}

	args, _ := json.Marshal(map[string]string{argument: code})
	return chatResponse{
		ID:     "chatcmpl-mock-code",
		Object: "chat.completion",
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMsg{
					Role: "assistant",
					ToolCalls: []toolCall{
						{
							ID:   "call_mock_1",
							Type: "function",
							Function: funcCall{
								Name:      req.Tools[0].Function.Name,
								Arguments: string(args),
							},
						},
					},
				},
				FinishReason: "tool_calls",
			},
		},
		Usage: chatUsage{PromptTokens: 40, CompletionTokens: len(code) / 4, TotalTokens: 40 + len(code)/4},
	}
}

func makeTextResponse(text string) chatResponse {
	return chatResponse{
		ID:     "chatcmpl-mock-text",
		Object: "chat.completion",
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMsg{
					Role:    "assistant",
					Content: &text,
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// --- Models endpoint ---

func handleModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "mock-model", "object": "model", "owned_by": "autoscript-mock"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// --- Helpers ---

// messageText returns the content of the last message with role.
func messageText(req *chatRequest, role string) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == role {
			return req.Messages[i].Content
		}
	}
	return ""
}
