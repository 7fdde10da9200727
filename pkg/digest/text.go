package digest

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
)

// readText returns the first k lines of a file, line endings included.
// Invalid UTF-8 is replaced rather than rejected.
func readText(path string, k int) (string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var b strings.Builder
	n := 0
	for n < k {
		line, err := r.ReadString('\n')
		if line != "" {
			b.WriteString(strings.ToValidUTF8(line, "\uFFFD"))
			n++
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, err
		}
	}
	return b.String(), n, nil
}
