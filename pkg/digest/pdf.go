package digest

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// readPDF returns the extracted plain text of the first k pages, each page
// newline terminated.
func readPDF(path string, k int) (string, int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	total := r.NumPage()
	if total > k {
		total = k
	}

	var b strings.Builder
	for i := 1; i <= total; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			b.WriteByte('\n')
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", 0, fmt.Errorf("page %d: %w", i, err)
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String(), total, nil
}
