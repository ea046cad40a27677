package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// csvRow reads a column by header name, trimmed; missing columns are empty.
type csvRow func(col string) string

// readCSV walks a header-based CSV export. fold lowercases header names for
// formats whose header case varies. required columns must be present.
func readCSV(data []byte, fold func(string) string, required []string, row func(rowNum int, get csvRow), result *ImportResult) error {
	data = bytes.TrimPrefix(data, utf8BOM)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true // Handle malformed exports
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[fold(col)] = i
	}
	for _, col := range required {
		if _, ok := colIndex[col]; !ok {
			return fmt.Errorf("missing required column: %s", col)
		}
	}

	rowNum := 1 // 1-indexed (header is row 1)
	for {
		rowNum++
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d: failed to parse: %v", rowNum, err))
			continue
		}
		if len(record) != len(header) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d: column count mismatch (expected %d, got %d)",
					rowNum, len(header), len(record)))
			continue
		}

		row(rowNum, func(col string) string {
			if idx, ok := colIndex[col]; ok {
				return record[idx]
			}
			return ""
		})
	}
	return nil
}
