package remote

import (
	"context"
	"strings"
)

// Acquirer hands out a sandbox server for one execution.
type Acquirer interface {
	// Acquire returns a sandbox URL to use for execution.
	// The release function must be called after execution to clean up.
	Acquire(ctx context.Context) (sandboxURL string, release func(), err error)
}

// StaticAcquirer always returns the same sandbox server.
type StaticAcquirer struct {
	URL string
}

// NewStaticAcquirer creates a StaticAcquirer for url.
func NewStaticAcquirer(url string) *StaticAcquirer {
	return &StaticAcquirer{URL: strings.TrimRight(url, "/")}
}

// Acquire returns the configured URL and a no-op release.
func (a *StaticAcquirer) Acquire(ctx context.Context) (string, func(), error) {
	return a.URL, func() {}, nil
}
