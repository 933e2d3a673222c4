package docgen

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSheet            = "Template"
	DefaultHeaderRow        = 3
	DefaultKeyColumn        = "item_sku"
	DefaultAttribute1Column = "color_name"
	DefaultAttribute2Column = "size_name"
)

type FillOptions struct {
	// Sheet is the worksheet to fill. When it is absent the first sheet is
	// used only if AllowFirstSheet is set.
	Sheet           string
	AllowFirstSheet bool

	// HeaderRow is the 1-based row holding the column headers. The row
	// right below it is the anchor row whose formatting every output row
	// inherits.
	HeaderRow int

	KeyColumn        string
	Attribute1Column string
	Attribute2Column string
	// Required lists further headers the template must carry.
	Required []string

	// KeepAnchor writes the first record into the anchor row itself instead
	// of removing the anchor after filling.
	KeepAnchor bool

	// Extension of the template file; it decides the output container.
	Extension string
}

func (o FillOptions) withDefaults() FillOptions {
	if o.Sheet == "" {
		o.Sheet = DefaultSheet
	}
	if o.HeaderRow <= 0 {
		o.HeaderRow = DefaultHeaderRow
	}
	if o.KeyColumn == "" {
		o.KeyColumn = DefaultKeyColumn
	}
	if o.Attribute1Column == "" {
		o.Attribute1Column = DefaultAttribute1Column
	}
	if o.Attribute2Column == "" {
		o.Attribute2Column = DefaultAttribute2Column
	}
	return o
}

func (o FillOptions) required() []string {
	return append([]string{o.KeyColumn, o.Attribute1Column, o.Attribute2Column}, o.Required...)
}

// Layout is what a header scan finds in a workbook.
type Layout struct {
	Sheet     string
	HeaderRow int
	Columns   ColumnMap
	// DataRows counts the consecutive rows below the header whose key
	// column is not empty.
	DataRows int
}

// Engine fills spreadsheet templates. It keeps no state between calls;
// every Fill parses its own copy of the template.
type Engine struct {
	open    WorkbookOpener
	log     *zap.Logger
	metrics *Metrics
}

type EngineOption func(*Engine)

func WithWorkbookOpener(open WorkbookOpener) EngineOption {
	return func(e *Engine) { e.open = open }
}

func WithEngineLogger(log *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{open: OpenExcelWorkbook, log: zap.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Fill writes the flattened groups below the header of the template and
// returns the encoded document. It is CPU bound and cannot be interrupted
// once started.
func (e *Engine) Fill(template []byte, groups []RowGroup, opts FillOptions) ([]byte, error) {
	if len(groups) == 0 {
		return nil, &EmptyInputError{}
	}
	rows := Flatten(groups)
	if len(rows) == 0 {
		return nil, &EmptyInputError{}
	}
	start := time.Now()
	out, err := e.fill(template, rows, opts.withDefaults())
	e.metrics.fill(start, len(rows), err)
	if err != nil {
		return nil, err
	}
	e.log.Debug("template filled",
		zap.Int("rows", len(rows)),
		zap.Int("groups", len(groups)),
		zap.Duration("took", time.Since(start)))
	return out, nil
}

// FillRecords groups a flat dataset in the given key order and fills it.
// Keys without records are skipped and logged.
func (e *Engine) FillRecords(template []byte, records []RowRecord, order []string, opts FillOptions) ([]byte, error) {
	groups, missing := GroupRecords(records, order)
	if len(missing) > 0 {
		e.log.Warn("group keys not in dataset, skipped", zap.Strings("keys", missing))
	}
	if len(groups) == 0 {
		return nil, &EmptyInputError{Missing: missing}
	}
	return e.Fill(template, groups, opts)
}

func (e *Engine) fill(template []byte, rows []RowRecord, opts FillOptions) ([]byte, error) {
	wb, err := e.open(template)
	if err != nil {
		return nil, &TemplateStructureError{Sheet: opts.Sheet, Message: "unreadable workbook: " + err.Error()}
	}
	defer wb.Close()

	layout, err := e.scan(wb, opts)
	if err != nil {
		return nil, err
	}
	sheet := layout.Sheet
	cols := [3]int{}
	for i, name := range []string{opts.KeyColumn, opts.Attribute1Column, opts.Attribute2Column} {
		cols[i], _ = layout.Columns.Column(name)
	}
	write := func(row int, rec RowRecord) error {
		for i, v := range [3]string{rec.KeyValue, rec.Attribute1, rec.Attribute2} {
			if err := wb.SetCellValue(sheet, row, cols[i], v); err != nil {
				return fmt.Errorf("row %d: %w", row, err)
			}
		}
		return nil
	}

	anchor := opts.HeaderRow + 1
	first := 0
	if opts.KeepAnchor {
		if err := write(anchor, rows[0]); err != nil {
			return nil, err
		}
		first = 1
	}
	for i := first; i < len(rows); i++ {
		target := anchor + 1 + i - first
		if err := wb.DuplicateRow(sheet, anchor, target); err != nil {
			return nil, fmt.Errorf("duplicate anchor row %d to %d: %w", anchor, target, err)
		}
		if err := write(target, rows[i]); err != nil {
			return nil, err
		}
	}
	if !opts.KeepAnchor {
		if err := wb.RemoveRow(sheet, anchor); err != nil {
			return nil, fmt.Errorf("remove anchor row %d: %w", anchor, err)
		}
	}

	format, degraded := FormatFor(opts.Extension)
	if degraded {
		e.log.Info("unsupported template extension, writing xlsx",
			zap.String("extension", opts.Extension))
	}
	var buf bytes.Buffer
	if err := wb.Encode(&buf, format); err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// Inspect re-reads a document with the header scan Fill uses.
func (e *Engine) Inspect(data []byte, opts FillOptions) (Layout, error) {
	opts = opts.withDefaults()
	wb, err := e.open(data)
	if err != nil {
		return Layout{}, &TemplateStructureError{Sheet: opts.Sheet, Message: "unreadable workbook: " + err.Error()}
	}
	defer wb.Close()

	layout, err := e.scan(wb, opts)
	if err != nil {
		return Layout{}, err
	}
	keyCol, _ := layout.Columns.Column(opts.KeyColumn)
	for row := opts.HeaderRow + 1; ; row++ {
		v, err := wb.CellValue(layout.Sheet, row, keyCol)
		if err != nil {
			return Layout{}, err
		}
		if strings.TrimSpace(v) == "" {
			break
		}
		layout.DataRows++
	}
	return layout, nil
}

func (e *Engine) scan(wb Workbook, opts FillOptions) (Layout, error) {
	sheet, err := e.selectSheet(wb, opts)
	if err != nil {
		return Layout{}, err
	}
	headers, err := wb.RowValues(sheet, opts.HeaderRow)
	if err != nil {
		return Layout{}, &TemplateStructureError{Sheet: sheet,
			Message: fmt.Sprintf("header row %d unreadable: %v", opts.HeaderRow, err)}
	}
	cm, err := ResolveColumns(headers, opts.required())
	if err != nil {
		var se *TemplateStructureError
		if errors.As(err, &se) {
			se.Sheet = sheet
			se.Message = fmt.Sprintf("header row %d", opts.HeaderRow)
		}
		return Layout{}, err
	}
	return Layout{Sheet: sheet, HeaderRow: opts.HeaderRow, Columns: cm}, nil
}

func (e *Engine) selectSheet(wb Workbook, opts FillOptions) (string, error) {
	names := wb.SheetNames()
	for _, n := range names {
		if n == opts.Sheet {
			return n, nil
		}
	}
	for _, n := range names {
		if strings.EqualFold(strings.TrimSpace(n), strings.TrimSpace(opts.Sheet)) {
			return n, nil
		}
	}
	if opts.AllowFirstSheet && len(names) > 0 {
		e.log.Info("sheet not found, using first sheet",
			zap.String("sheet", opts.Sheet), zap.String("using", names[0]))
		return names[0], nil
	}
	return "", &TemplateStructureError{Sheet: opts.Sheet, Message: "worksheet not found"}
}
