package sandbox

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Session is the exclusive working area of one request. Input files are
// staged into WorkDir, the program runs with WorkDir as its working
// directory and writes artifacts to OutputDir.
type Session struct {
	ID        string
	WorkDir   string
	OutputDir string

	// Handle names the execution instance currently bound to the session
	// (a container name or sandbox URL). Empty between executions.
	Handle string
}

// NewSession creates a fresh session directory under root. An empty root
// uses the system temp dir.
func NewSession(root string) (*Session, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating session root: %w", err)
	}

	id := uuid.NewString()
	workDir := filepath.Join(root, "autoscript-"+id)
	outputDir := filepath.Join(workDir, OutputDirName)
	if err := os.MkdirAll(outputDir, 0o777); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	// Container users other than the host user must be able to write output.
	if err := os.Chmod(outputDir, 0o777); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("opening output dir permissions: %w", err)
	}

	return &Session{ID: id, WorkDir: workDir, OutputDir: outputDir}, nil
}

// Stage copies the files at paths into WorkDir and returns the staged paths
// in the same order. Files keep their base names unless the name is taken by
// an earlier input, the program or the output dir; those get an index
// prefix ("1-data.csv").
func (s *Session) Stage(paths []string) ([]string, error) {
	seen := map[string]bool{CodeFile: true, OutputDirName: true}
	staged := make([]string, 0, len(paths))
	for i, p := range paths {
		name := filepath.Base(p)
		stored := name
		if seen[stored] {
			stored = fmt.Sprintf("%d-%s", i, name)
		}
		seen[stored] = true

		dst := filepath.Join(s.WorkDir, stored)
		if err := copyFile(p, dst); err != nil {
			return nil, fmt.Errorf("staging %s: %w", name, err)
		}
		staged = append(staged, dst)
	}
	return staged, nil
}

// ResetOutput empties OutputDir so an execution only sees the files it
// writes itself.
func (s *Session) ResetOutput() error {
	if err := os.RemoveAll(s.OutputDir); err != nil {
		return fmt.Errorf("clearing output dir: %w", err)
	}
	if err := os.MkdirAll(s.OutputDir, 0o777); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	if err := os.Chmod(s.OutputDir, 0o777); err != nil {
		return fmt.Errorf("opening output dir permissions: %w", err)
	}
	return nil
}

// Close removes the session directory and everything in it.
func (s *Session) Close() error {
	if err := os.RemoveAll(s.WorkDir); err != nil {
		slog.Warn("removing session dir", "session", s.ID, "error", err)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
