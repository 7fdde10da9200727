package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rhuss/autoscript/pkg/api"
	"github.com/rhuss/autoscript/pkg/storage"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *api.APIError {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("error body has no error")
	}
	return resp.Error
}

func TestMiddlewareBypass(t *testing.T) {
	h := Middleware(NewChain(No), nil, DefaultBypassEndpoints)(okHandler())

	for _, path := range []string{"/healthz", "/metrics"} {
		if rec := serve(h, http.MethodGet, path); rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestMiddlewareRejects(t *testing.T) {
	h := Middleware(NewChain(No), nil, DefaultBypassEndpoints)(okHandler())

	rec := serve(h, http.MethodPost, "/v1/runs")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
	if apiErr := decodeError(t, rec); apiErr.Code != "unauthenticated" {
		t.Errorf("error = %+v", apiErr)
	}
}

func TestMiddlewareInjectsIdentityAndTenant(t *testing.T) {
	chain := NewChain(No, vote(Result{Decision: Yes, Identity: &Identity{Subject: "alice", Tenant: "org-1"}}))

	var gotTenant, gotSubject string
	h := Middleware(chain, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = storage.GetTenant(r.Context())
		if id := IdentityFromContext(r.Context()); id != nil {
			gotSubject = id.Subject
		}
	}))

	serve(h, http.MethodPost, "/v1/runs")
	if gotSubject != "alice" || gotTenant != "org-1" {
		t.Errorf("subject = %q tenant = %q", gotSubject, gotTenant)
	}
}

func TestMiddlewareEmptySubject(t *testing.T) {
	chain := NewChain(No, vote(Result{Decision: Yes, Identity: &Identity{}}))
	rec := serve(Middleware(chain, nil, nil)(okHandler()), http.MethodPost, "/v1/runs")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMiddlewareRateLimit(t *testing.T) {
	chain := NewChain(Yes)
	limiter := NewInProcessLimiter(nil, 2)
	h := Middleware(chain, limiter, nil)(okHandler())

	for i := 0; i < 2; i++ {
		if rec := serve(h, http.MethodPost, "/v1/runs"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	rec := serve(h, http.MethodPost, "/v1/runs")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if apiErr := decodeError(t, rec); apiErr.Type != api.ErrorTypeTooManyRequests {
		t.Errorf("error type = %q", apiErr.Type)
	}
}
