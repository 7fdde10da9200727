package digest

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// readXlsx returns rows 1..k of the workbook's active sheet, one row per
// line rendered as a bracketed list of cell values.
func readXlsx(path string, k int) (string, int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	rows, err := f.Rows(sheet)
	if err != nil {
		return "", 0, fmt.Errorf("reading sheet %q: %w", sheet, err)
	}
	defer rows.Close()

	var lines []string
	for len(lines) < k && rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			return "", 0, fmt.Errorf("reading row %d: %w", len(lines)+1, err)
		}
		lines = append(lines, "["+strings.Join(cols, ", ")+"]")
	}
	if err := rows.Error(); err != nil {
		return "", 0, err
	}
	return strings.Join(lines, "\n"), len(lines), nil
}
