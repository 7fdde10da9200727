package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/rhuss/autoscript/pkg/api"
)

func TestUploadValidation(t *testing.T) {
	tests := []struct {
		name        string
		instruction string
		files       map[string]string
		wantParam   string
	}{
		{"no files", "summarize", nil, "files"},
		{"no instruction", "", inputFiles, "instruction"},
		{"blank instruction", "   ", inputFiles, "instruction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testEnv.Runner.executions.Load()
			resp := upload(t, testEnv.BaseURL(), tt.instruction, tt.files)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			var errResp api.ErrorResponse
			decodeJSON(t, resp, &errResp)
			if errResp.Error == nil || errResp.Error.Type != api.ErrorTypeInvalidRequest {
				t.Fatalf("error = %+v", errResp.Error)
			}
			if errResp.Error.Param != tt.wantParam {
				t.Errorf("param = %q, want %q", errResp.Error.Param, tt.wantParam)
			}
			if after := testEnv.Runner.executions.Load(); after != before {
				t.Errorf("sandbox ran %d times for an invalid request", after-before)
			}
		})
	}
}

func TestNotMultipart(t *testing.T) {
	resp, err := http.Post(testEnv.BaseURL()+"/v1/runs", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var errResp api.ErrorResponse
	decodeJSON(t, resp, &errResp)
	if errResp.Error == nil || errResp.Error.Message != "No files uploaded." {
		t.Errorf("error = %+v", errResp.Error)
	}
}

func TestUnknownRun(t *testing.T) {
	resp := getURL(t, testEnv.BaseURL()+"/v1/runs/run_doesnotexist000000000000")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
