package api

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	// RunStatusInProgress means generation or execution is still running.
	RunStatusInProgress RunStatus = "in_progress"

	// RunStatusSucceeded means an attempt executed successfully. The run may
	// still have produced no artifacts (see ArtifactKind).
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed means every attempt failed and the retry budget is spent.
	RunStatusFailed RunStatus = "failed"

	// RunStatusError means the run was aborted before the retry loop could
	// decide: missing instruction, broken environment, generator outage or
	// cancellation.
	RunStatusError RunStatus = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusError
}

// ArtifactKind describes how the output of a successful run is exposed.
type ArtifactKind string

const (
	ArtifactKindNone    ArtifactKind = "none"
	ArtifactKindFile    ArtifactKind = "file"
	ArtifactKindArchive ArtifactKind = "archive"
)

// Run is the persisted record of one pipeline run.
type Run struct {
	ID           string       `json:"id"`
	Object       string       `json:"object"`
	Instruction  string       `json:"instruction"`
	Files        []string     `json:"files"`
	Status       RunStatus    `json:"status"`
	Attempts     int          `json:"attempts"`
	LastLog      string       `json:"last_log,omitempty"`
	Error        *APIError    `json:"error,omitempty"`
	ArtifactKind ArtifactKind `json:"artifact_kind,omitempty"`
	ArtifactName string       `json:"artifact_name,omitempty"`
	ArtifactKey  string       `json:"artifact_key,omitempty"`
	CreatedAt    int64        `json:"created_at"`
	CompletedAt  int64        `json:"completed_at,omitempty"`
}

// RunList holds a paginated list of runs.
type RunList struct {
	Object  string `json:"object"`
	Data    []*Run `json:"data"`
	HasMore bool   `json:"has_more"`
	FirstID string `json:"first_id"`
	LastID  string `json:"last_id"`
}
