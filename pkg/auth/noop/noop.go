// Package noop provides an authenticator that accepts every request as the
// anonymous caller. Used for local development.
package noop

import (
	"context"
	"net/http"

	"github.com/rhuss/autoscript/pkg/auth"
)

// Authenticator always votes Yes.
type Authenticator struct{}

func (Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.Result {
	return auth.Result{Decision: auth.Yes, Identity: auth.Anonymous()}
}
