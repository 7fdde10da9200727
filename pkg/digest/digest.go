// Package digest turns input files into short, bounded excerpts that a code
// generator can use to understand their structure.
//
// Each file is summarized by its first few "units" where the unit depends on
// the format: lines for text, paragraphs for Word documents, rows for
// spreadsheets, slides for presentations and pages for PDFs. A file that
// cannot be read never aborts the batch; the failure is recorded on the
// file's digest instead.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/rhuss/autoscript/pkg/debug"
	"github.com/rhuss/autoscript/pkg/observability"
)

// DefaultMaxUnits is the excerpt cap used when none is configured.
const DefaultMaxUnits = 16

// UnsupportedText is the excerpt recorded for file types with no reader.
const UnsupportedText = "Cannot read this file."

// Unit names what an excerpt counts.
type Unit string

const (
	UnitNone       Unit = ""
	UnitLines      Unit = "lines"
	UnitParagraphs Unit = "paragraphs"
	UnitRows       Unit = "rows"
	UnitSlides     Unit = "slides"
	UnitPages      Unit = "pages"
)

// FileDigest is the excerpt of a single input file.
type FileDigest struct {
	Filename  string
	Extension string
	Excerpt   string
	Unit      Unit
	Units     int
	Err       error
}

// Supported reports whether the file type had a reader.
func (d FileDigest) Supported() bool {
	return d.Unit != UnitNone
}

// extractor reads at most k units from the file at path.
type extractor func(path string, k int) (excerpt string, n int, err error)

type format struct {
	unit    Unit
	extract extractor
}

// Digester produces FileDigests. The zero value is not usable; call New.
type Digester struct {
	maxUnits int
	formats  map[string]format
}

// New creates a Digester capping each excerpt at maxUnits units.
// A non-positive maxUnits selects DefaultMaxUnits.
func New(maxUnits int) *Digester {
	if maxUnits <= 0 {
		maxUnits = DefaultMaxUnits
	}

	text := format{unit: UnitLines, extract: readText}
	formats := map[string]format{
		".docx": {unit: UnitParagraphs, extract: readDocx},
		".xlsx": {unit: UnitRows, extract: readXlsx},
		".pptx": {unit: UnitSlides, extract: readPptx},
		".pdf":  {unit: UnitPages, extract: readPDF},
	}
	for _, ext := range TextExtensions {
		formats[ext] = text
	}

	return &Digester{maxUnits: maxUnits, formats: formats}
}

// TextExtensions lists the extensions read line by line. The empty string
// covers files without an extension.
var TextExtensions = []string{"", ".txt", ".csv", ".tsv", ".md", ".json", ".log", ".xml", ".yaml", ".yml", ".py"}

// MaxUnits returns the configured excerpt cap.
func (d *Digester) MaxUnits() int {
	return d.maxUnits
}

// Digest returns exactly one FileDigest per path, in input order. When ctx
// is cancelled the remaining files are recorded with the context error.
func (d *Digester) Digest(ctx context.Context, paths []string) []FileDigest {
	out := make([]FileDigest, 0, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		fd := FileDigest{
			Filename:  name,
			Extension: strings.ToLower(filepath.Ext(name)),
		}

		if err := ctx.Err(); err != nil {
			fd.Err = err
			out = append(out, fd)
			continue
		}

		f, ok := d.formats[fd.Extension]
		if !ok {
			fd.Excerpt = UnsupportedText
			observability.DigestFilesTotal.WithLabelValues("none", "unsupported").Inc()
			debug.Log("digest", "unsupported file type", "file", name, "extension", fd.Extension)
			out = append(out, fd)
			continue
		}

		fd.Unit = f.unit
		excerpt, n, err := safeExtract(f.extract, p, d.maxUnits)
		if err != nil {
			fd.Err = err
			observability.DigestFilesTotal.WithLabelValues(string(f.unit), "error").Inc()
			slog.Warn("reading input file", "file", name, "error", err)
		} else {
			fd.Excerpt = excerpt
			fd.Units = n
			observability.DigestFilesTotal.WithLabelValues(string(f.unit), "ok").Inc()
			debug.Log("digest", "file digested", "file", name, "unit", f.unit, "units", n)
		}
		out = append(out, fd)
	}
	return out
}

// safeExtract converts a panic in a third-party parser into an error so a
// malformed file only affects its own digest.
func safeExtract(fn extractor, path string, k int) (excerpt string, n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parser panic: %v", r)
		}
	}()
	return fn(path, k)
}

// Describe renders digests in the block format the generator prompt embeds.
func Describe(digests []FileDigest) string {
	var b strings.Builder
	for _, d := range digests {
		if d.Err != nil {
			fmt.Fprintf(&b, "Error reading file %s\n\n", d.Filename)
			continue
		}
		fmt.Fprintf(&b, "%s:\n\"\"\"\n%s...\n\"\"\"\n\n", d.Filename, d.Excerpt)
	}
	return b.String()
}
