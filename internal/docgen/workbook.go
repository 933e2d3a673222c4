package docgen

import (
	"bytes"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Format is the container format a workbook is encoded in.
type Format string

const (
	FormatXLSX Format = ".xlsx"
	FormatXLSM Format = ".xlsm"
	FormatXLTX Format = ".xltx"
	FormatXLTM Format = ".xltm"
)

// FormatFor picks the container format from a file extension. Unsupported
// extensions degrade to FormatXLSX; degraded reports when that happened.
func FormatFor(ext string) (f Format, degraded bool) {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && ext[0] != '.' {
		ext = "." + ext
	}
	switch Format(ext) {
	case FormatXLSX, FormatXLSM, FormatXLTX, FormatXLTM:
		return Format(ext), false
	}
	return FormatXLSX, true
}

// Workbook is the parsed spreadsheet the engine works on. Rows and columns
// are 1-based. Implementations are used by one goroutine at a time.
type Workbook interface {
	SheetNames() []string
	// RowValues returns the cell texts of row, trailing empty cells trimmed.
	RowValues(sheet string, row int) ([]string, error)
	CellValue(sheet string, row, col int) (string, error)
	SetCellValue(sheet string, row, col int, value string) error
	// DuplicateRow inserts a copy of row (values and styles) at target,
	// shifting target and the rows below it down by one.
	DuplicateRow(sheet string, row, target int) error
	RemoveRow(sheet string, row int) error
	Encode(w io.Writer, format Format) error
	Close() error
}

// WorkbookOpener parses template bytes into a Workbook.
type WorkbookOpener func(data []byte) (Workbook, error)

type excelWorkbook struct {
	f *excelize.File
}

// OpenExcelWorkbook is the default WorkbookOpener.
func OpenExcelWorkbook(data []byte) (Workbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &excelWorkbook{f: f}, nil
}

func (w *excelWorkbook) SheetNames() []string { return w.f.GetSheetList() }

func (w *excelWorkbook) RowValues(sheet string, row int) ([]string, error) {
	rows, err := w.f.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	if row < 1 || row > len(rows) {
		return nil, nil
	}
	return rows[row-1], nil
}

func (w *excelWorkbook) CellValue(sheet string, row, col int) (string, error) {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return "", err
	}
	return w.f.GetCellValue(sheet, cell)
}

func (w *excelWorkbook) SetCellValue(sheet string, row, col int, value string) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return w.f.SetCellStr(sheet, cell, value)
}

func (w *excelWorkbook) DuplicateRow(sheet string, row, target int) error {
	return w.f.DuplicateRowTo(sheet, row, target)
}

func (w *excelWorkbook) RemoveRow(sheet string, row int) error {
	return w.f.RemoveRow(sheet, row)
}

// Encode writes the package back. excelize derives the workbook content
// type from the extension of File.Path, so the path is pointed at a name
// carrying the requested format before writing.
func (w *excelWorkbook) Encode(out io.Writer, format Format) error {
	w.f.Path = "workbook" + string(format)
	_, err := w.f.WriteTo(out)
	return err
}

func (w *excelWorkbook) Close() error { return w.f.Close() }
