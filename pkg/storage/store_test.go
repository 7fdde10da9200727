package storage

import (
	"errors"
	"testing"

	"github.com/rhuss/autoscript/pkg/api"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to api.RunStatus
		wantErr  bool
	}{
		{"", api.RunStatusInProgress, false},
		{api.RunStatusInProgress, api.RunStatusInProgress, false},
		{api.RunStatusInProgress, api.RunStatusSucceeded, false},
		{api.RunStatusInProgress, api.RunStatusFailed, false},
		{api.RunStatusInProgress, api.RunStatusError, false},
		{api.RunStatusSucceeded, api.RunStatusSucceeded, true},
		{api.RunStatusSucceeded, api.RunStatusFailed, true},
		{api.RunStatusError, api.RunStatusInProgress, true},
	}
	for _, tt := range tests {
		err := CheckTransition(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Errorf("CheckTransition(%q, %q) = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("error %v does not wrap ErrInvalidTransition", err)
		}
	}
}

func TestEffectiveLimit(t *testing.T) {
	tests := []struct {
		limit, want int
	}{
		{0, DefaultListLimit},
		{-3, DefaultListLimit},
		{7, 7},
		{500, MaxListLimit},
	}
	for _, tt := range tests {
		if got := (ListOptions{Limit: tt.limit}).EffectiveLimit(); got != tt.want {
			t.Errorf("EffectiveLimit(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestCloneRun(t *testing.T) {
	orig := &api.Run{
		ID:    "run_1",
		Files: []string{"a.csv"},
		Error: api.NewServerError("boom"),
	}
	c := CloneRun(orig)
	c.Files[0] = "b.csv"
	c.Error.Message = "changed"

	if orig.Files[0] != "a.csv" || orig.Error.Message != "boom" {
		t.Errorf("clone shares state with original: %+v", orig)
	}
	if CloneRun(nil) != nil {
		t.Error("CloneRun(nil) should be nil")
	}
}
