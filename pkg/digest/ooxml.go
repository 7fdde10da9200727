package digest

import (
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Office Open XML documents are zip archives of XML parts. The readers below
// walk the parts with a streaming decoder and only keep text runs.

const (
	nsWordML  = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	nsDrawing = "http://schemas.openxmlformats.org/drawingml/2006/main"
)

// readDocx returns the first k top-level body paragraphs of a Word document.
// Paragraphs inside tables are skipped.
func readDocx(filePath string, k int) (string, int, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("opening docx: %w", err)
	}
	defer zr.Close()

	part, err := openPart(&zr.Reader, "word/document.xml")
	if err != nil {
		return "", 0, err
	}
	defer part.Close()

	dec := xml.NewDecoder(part)
	var (
		paragraphs []string
		current    strings.Builder
		inPara     bool
		inText     bool
		tableDepth int
	)
	for len(paragraphs) < k {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("parsing document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != nsWordML {
				continue
			}
			switch t.Name.Local {
			case "tbl":
				tableDepth++
			case "p":
				if tableDepth == 0 {
					inPara = true
					current.Reset()
				}
			case "t":
				inText = inPara
			case "tab":
				if inPara {
					current.WriteByte('\t')
				}
			case "br", "cr":
				if inPara {
					current.WriteByte('\n')
				}
			}
		case xml.EndElement:
			if t.Name.Space != nsWordML {
				continue
			}
			switch t.Name.Local {
			case "tbl":
				tableDepth--
			case "p":
				if inPara && tableDepth == 0 {
					paragraphs = append(paragraphs, current.String())
					inPara = false
				}
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}

	return strings.Join(paragraphs, "\n"), len(paragraphs), nil
}

// readPptx returns the text of the first k slides. Each text paragraph of a
// slide becomes one line and every slide is newline terminated.
func readPptx(filePath string, k int) (string, int, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("opening pptx: %w", err)
	}
	defer zr.Close()

	slides := slideParts(&zr.Reader)
	if len(slides) > k {
		slides = slides[:k]
	}

	var b strings.Builder
	for _, name := range slides {
		text, err := slideText(&zr.Reader, name)
		if err != nil {
			return "", 0, err
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String(), len(slides), nil
}

// slideParts lists ppt/slides/slideN.xml parts ordered by N.
func slideParts(zr *zip.Reader) []string {
	type numbered struct {
		name string
		n    int
	}
	var parts []numbered
	for _, f := range zr.File {
		dir, base := path.Split(f.Name)
		if dir != "ppt/slides/" || !strings.HasPrefix(base, "slide") || !strings.HasSuffix(base, ".xml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, "slide"), ".xml"))
		if err != nil {
			continue
		}
		parts = append(parts, numbered{name: f.Name, n: n})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].n < parts[j].n })

	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.name
	}
	return names
}

func slideText(zr *zip.Reader, name string) (string, error) {
	part, err := openPart(zr, name)
	if err != nil {
		return "", err
	}
	defer part.Close()

	dec := xml.NewDecoder(part)
	var (
		lines   []string
		current strings.Builder
		inPara  bool
		inText  bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parsing %s: %w", name, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != nsDrawing {
				continue
			}
			switch t.Name.Local {
			case "p":
				inPara = true
				current.Reset()
			case "t":
				inText = true
			case "br":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			if t.Name.Space != nsDrawing {
				continue
			}
			switch t.Name.Local {
			case "p":
				if inPara && current.Len() > 0 {
					lines = append(lines, current.String())
				}
				inPara = false
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

func openPart(zr *zip.Reader, name string) (io.ReadCloser, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", name, err)
			}
			return rc, nil
		}
	}
	return nil, fmt.Errorf("missing part %s", name)
}
