// Package artifacts keeps the output of successful runs so it can be
// downloaded after the request that produced it has finished.
package artifacts

import (
	"context"
	"errors"
	"path"

	"github.com/rhuss/autoscript/pkg/output"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("artifact not found")

// Object is a stored artifact.
type Object struct {
	Name        string
	ContentType string
	Data        []byte
}

// Store persists artifacts by key.
type Store interface {
	Put(ctx context.Context, key string, obj Object) error
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
}

// Key returns the storage key of a run's artifact.
func Key(runID, name string) string {
	return path.Join("runs", runID, path.Base(name))
}

// FromArtifact converts a resolved output artifact into a storable object.
// It returns false for empty artifacts, which are never stored.
func FromArtifact(a *output.Artifact) (Object, bool) {
	if a == nil || a.Kind == output.KindEmpty {
		return Object{}, false
	}
	return Object{Name: a.Name, ContentType: a.ContentType, Data: a.Data}, true
}
