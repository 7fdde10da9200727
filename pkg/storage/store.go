package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/rhuss/autoscript/pkg/api"
)

// Pagination bounds for ListRuns.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// RunStore persists run records. Every method is scoped to the tenant in
// ctx when one is set.
type RunStore interface {
	// SaveRun stores a new run. Returns ErrConflict if the ID exists.
	SaveRun(ctx context.Context, run *api.Run) error

	// UpdateRun replaces a stored run. Returns ErrNotFound for unknown IDs
	// and ErrInvalidTransition when the status change is not allowed.
	UpdateRun(ctx context.Context, run *api.Run) error

	// GetRun returns the run with the given ID or ErrNotFound.
	GetRun(ctx context.Context, id string) (*api.Run, error)

	// ListRuns returns runs newest first unless opts.Order is "asc".
	ListRuns(ctx context.Context, opts ListOptions) (*api.RunList, error)

	// DeleteRun removes a run from listings and lookups.
	DeleteRun(ctx context.Context, id string) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// ListOptions controls ListRuns pagination and filtering.
type ListOptions struct {
	// After returns runs that sort after the run with this ID.
	After string

	// Before returns runs that sort before the run with this ID.
	Before string

	// Limit caps the page size (default 20, max 100).
	Limit int

	// Order is "asc" or "desc" (default) by creation time.
	Order string

	// Status filters by run status when set.
	Status api.RunStatus
}

// EffectiveLimit clamps Limit to [1, MaxListLimit], defaulting to
// DefaultListLimit.
func (o ListOptions) EffectiveLimit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	}
	return o.Limit
}

// CheckTransition wraps api.ValidateRunTransition into ErrInvalidTransition.
// Updating a run without changing a non-terminal status is allowed.
func CheckTransition(from, to api.RunStatus) error {
	if from == to && !from.Terminal() {
		return nil
	}
	if apiErr := api.ValidateRunTransition(from, to); apiErr != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, apiErr.Message)
	}
	return nil
}

// Paginate sorts runs and applies the cursor and limit of opts. It is used
// by stores that filter in process.
func Paginate(runs []*api.Run, opts ListOptions) *api.RunList {
	asc := opts.Order == "asc"
	sort.Slice(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if a.CreatedAt != b.CreatedAt {
			if asc {
				return a.CreatedAt < b.CreatedAt
			}
			return a.CreatedAt > b.CreatedAt
		}
		if asc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if opts.After != "" {
		if idx := cursorIndex(runs, opts.After); idx >= 0 {
			runs = runs[idx+1:]
		} else {
			runs = nil
		}
	} else if opts.Before != "" {
		if idx := cursorIndex(runs, opts.Before); idx > 0 {
			runs = runs[:idx]
		} else {
			runs = nil
		}
	}

	limit := opts.EffectiveLimit()
	hasMore := len(runs) > limit
	if hasMore {
		runs = runs[:limit]
	}

	list := &api.RunList{Object: "list", Data: runs, HasMore: hasMore}
	if len(runs) > 0 {
		list.FirstID = runs[0].ID
		list.LastID = runs[len(runs)-1].ID
	}
	if list.Data == nil {
		list.Data = []*api.Run{}
	}
	return list
}

func cursorIndex(runs []*api.Run, id string) int {
	for i, r := range runs {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// CloneRun returns a deep copy of run so stores never share mutable state
// with callers.
func CloneRun(run *api.Run) *api.Run {
	if run == nil {
		return nil
	}
	c := *run
	if run.Files != nil {
		c.Files = append([]string(nil), run.Files...)
	}
	if run.Error != nil {
		e := *run.Error
		c.Error = &e
	}
	return &c
}
