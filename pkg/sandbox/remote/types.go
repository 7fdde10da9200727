// Package remote runs programs on a sandbox server reached over HTTP. The
// server is acquired per execution, either from a fixed URL or through a
// Kubernetes SandboxClaim.
package remote

// Execution statuses reported by the sandbox server.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// ExecuteRequest is the request body for POST /execute on the sandbox server.
type ExecuteRequest struct {
	Code           string            `json:"code"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Requirements   []string          `json:"requirements,omitempty"`
	Files          map[string]string `json:"files,omitempty"`
}

// ExecuteResponse is the response from POST /execute on the sandbox server.
// FilesProduced maps slash separated paths relative to the output dir to
// base64 content.
type ExecuteResponse struct {
	Status          string            `json:"status"`
	Stdout          string            `json:"stdout"`
	Stderr          string            `json:"stderr"`
	ExitCode        int               `json:"exit_code"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	FilesProduced   map[string]string `json:"files_produced,omitempty"`
}

// ModePython is the only runtime mode a sandbox server may report. Generated
// programs are always Python.
const ModePython = "python"

// HealthResponse is the response from GET /health on the sandbox server.
type HealthResponse struct {
	Status         string `json:"status"`
	Mode           string `json:"mode"`
	RuntimeVersion string `json:"runtime_version"`
	Capacity       int    `json:"capacity"`
	CurrentLoad    int    `json:"current_load"`
	UptimeSecs     int64  `json:"uptime_seconds"`
}
