// Package extract converts uploaded documents into plain text for
// knowledge ingestion. Extractors are pluggable per document kind.
package extract

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"wagate/internal/domain"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// Extractor converts one document kind into plain text.
type Extractor interface {
	Extract(path string) (string, error)
}

// ForMimeType returns the extractor for a declared media kind, or a
// configuration error for unsupported kinds.
func ForMimeType(mimeType string) (Extractor, error) {
	switch mimeType {
	case "text/plain":
		return TextExtractor{}, nil
	case "application/pdf":
		return PDFExtractor{}, nil
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel":
		return SpreadsheetExtractor{}, nil
	default:
		return nil, domain.Errorf(domain.KindConfiguration, "extract.ForMimeType",
			"unsupported document type: %s", mimeType)
	}
}

// TextExtractor reads the file verbatim.
type TextExtractor struct{}

func (TextExtractor) Extract(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", domain.E(domain.KindExtraction, "extract.Text", err)
	}
	return string(data), nil
}

// PDFExtractor extracts the text layer of every page.
type PDFExtractor struct{}

func (PDFExtractor) Extract(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", domain.E(domain.KindExtraction, "extract.PDF", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	reader, err := r.GetPlainText()
	if err != nil {
		return "", domain.E(domain.KindExtraction, "extract.PDF", err)
	}
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", domain.E(domain.KindExtraction, "extract.PDF", err)
	}
	return buf.String(), nil
}

// SpreadsheetExtractor concatenates all sheets: each sheet is prefixed by a
// name marker line, each row's cells joined by " | ".
type SpreadsheetExtractor struct{}

func (SpreadsheetExtractor) Extract(path string) (string, error) {
	wb, err := excelize.OpenFile(path)
	if err != nil {
		return "", domain.E(domain.KindExtraction, "extract.Spreadsheet", err)
	}
	defer wb.Close()

	var sb strings.Builder
	for _, sheet := range wb.GetSheetList() {
		rows, err := wb.GetRows(sheet)
		if err != nil {
			return "", domain.E(domain.KindExtraction, "extract.Spreadsheet",
				fmt.Errorf("sheet %s: %w", sheet, err))
		}

		sb.WriteString(fmt.Sprintf("--- %s ---\n", sheet))
		for _, row := range rows {
			if len(row) == 0 {
				continue
			}
			sb.WriteString(strings.Join(row, " | "))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
