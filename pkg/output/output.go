// Package output decides what a run returns from the files its program
// wrote: nothing, the single file as-is, or a zip archive of all of them.
package output

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// ArchiveName is the file name of a multi-file artifact.
const ArchiveName = "output.zip"

// Kind classifies an Artifact.
type Kind string

const (
	KindEmpty   Kind = "none"
	KindFile    Kind = "file"
	KindArchive Kind = "archive"
)

// Artifact is the resolved output of a run.
type Artifact struct {
	Kind        Kind
	Name        string
	ContentType string
	Data        []byte

	// Files lists the slash separated relative paths of every output file.
	Files []string
}

// ErrTooLarge is returned when the output exceeds the resolver's size cap.
var ErrTooLarge = errors.New("output exceeds size limit")

// Resolver resolves output directories into artifacts.
type Resolver struct {
	// MaxBytes caps the summed size of all output files. Zero means no cap.
	MaxBytes int64
}

// Resolve inspects dir. Zero files yield KindEmpty, which is not an error.
// A single file, at any depth, is returned unmodified under its base name.
// Two or more files are archived with their relative paths.
func (r *Resolver) Resolve(dir string) (*Artifact, error) {
	files, total, err := listFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("listing output: %w", err)
	}
	if r.MaxBytes > 0 && total > r.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, total, r.MaxBytes)
	}

	switch len(files) {
	case 0:
		return &Artifact{Kind: KindEmpty}, nil

	case 1:
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(files[0])))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", files[0], err)
		}
		name := filepath.Base(filepath.FromSlash(files[0]))
		return &Artifact{
			Kind:        KindFile,
			Name:        name,
			ContentType: ContentType(name),
			Data:        data,
			Files:       files,
		}, nil

	default:
		data, err := archive(dir, files)
		if err != nil {
			return nil, err
		}
		return &Artifact{
			Kind:        KindArchive,
			Name:        ArchiveName,
			ContentType: "application/zip",
			Data:        data,
			Files:       files,
		}, nil
	}
}

// ErrNoFiles is returned by Save for an empty artifact.
var ErrNoFiles = errors.New("no files available for download")

// Save writes the artifact into dir, creating dir if needed, and returns
// the written path.
func (a *Artifact) Save(dir string) (string, error) {
	if a == nil || a.Kind == KindEmpty {
		return "", ErrNoFiles
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, filepath.Base(a.Name))
	if err := os.WriteFile(path, a.Data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return path, nil
}

// Resolve resolves dir with no size cap.
func Resolve(dir string) (*Artifact, error) {
	return (&Resolver{}).Resolve(dir)
}

// contentTypes covers the formats programs commonly produce that the
// platform MIME table may lack.
var contentTypes = map[string]string{
	".csv":  "text/csv; charset=utf-8",
	".tsv":  "text/tab-separated-values; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".zip":  "application/zip",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// ContentType guesses a MIME type from the file extension.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// listFiles returns the sorted relative paths of all regular files under
// dir and their summed size. A missing dir has no files.
func listFiles(dir string) ([]string, int64, error) {
	var (
		files []string
		total int64
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		total += info.Size()
		return nil
	})
	sort.Strings(files)
	return files, total, err
}

func archive(dir string, files []string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return nil, fmt.Errorf("zip header %s: %w", name, err)
		}
		hdr.Name = name
		hdr.Method = zip.Deflate
		hdr.Modified = info.ModTime().UTC().Truncate(time.Second)

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", name, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}
	return buf.Bytes(), nil
}
