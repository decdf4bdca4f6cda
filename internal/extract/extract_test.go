package extract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wagate/internal/domain"

	"github.com/xuri/excelize/v2"
)

func TestForMimeType_Known(t *testing.T) {
	for _, mt := range []string{
		"text/plain",
		"application/pdf",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel",
	} {
		if _, err := ForMimeType(mt); err != nil {
			t.Errorf("%s: unexpected error: %v", mt, err)
		}
	}
}

func TestForMimeType_Unsupported(t *testing.T) {
	_, err := ForMimeType("image/png")
	if err == nil {
		t.Fatal("expected error for unsupported type")
	}
	if !domain.IsKind(err, domain.KindConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestTextExtractor_Verbatim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	content := "hello knowledge\nsecond line\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := TextExtractor{}.Extract(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != content {
		t.Errorf("expected byte-identical content, got %q", got)
	}
}

func TestTextExtractor_Missing(t *testing.T) {
	_, err := TextExtractor{}.Extract(filepath.Join(t.TempDir(), "missing.txt"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !domain.IsKind(err, domain.KindExtraction) {
		t.Errorf("expected extraction error, got %v", err)
	}
}

func TestSpreadsheetExtractor_SheetMarkerAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.xlsx")

	wb := excelize.NewFile()
	rows := [][]string{{"a", "b"}, {"c", "d"}, {"e", "f"}}
	for i, row := range rows {
		for j, cell := range row {
			name, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				t.Fatal(err)
			}
			if err := wb.SetCellValue("Sheet1", name, cell); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := wb.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	wb.Close()

	got, err := SpreadsheetExtractor{}.Extract(path)
	if err != nil {
		t.Fatal(err)
	}

	markerIdx := strings.Index(got, "--- Sheet1 ---")
	if markerIdx < 0 {
		t.Fatalf("missing sheet marker in %q", got)
	}
	want := []string{"a | b", "c | d", "e | f"}
	rest := got[markerIdx:]
	last := -1
	for _, line := range want {
		idx := strings.Index(rest, line)
		if idx < 0 {
			t.Fatalf("missing row %q in %q", line, got)
		}
		if idx < last {
			t.Errorf("row %q out of order", line)
		}
		last = idx
	}
}

func TestSpreadsheetExtractor_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.xlsx")
	if err := os.WriteFile(path, []byte("not a workbook"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (SpreadsheetExtractor{}).Extract(path); err == nil {
		t.Fatal("expected error for corrupt workbook")
	}
}
