package docgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var productHeaders = []string{"item_sku", "color_name", "size_name"}

func newMemStore(t *testing.T) *LevelStore {
	t.Helper()
	s, err := OpenMemLevelStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingStore counts content reads and can fail or hold them.
type countingStore struct {
	ObjectStore
	gets    atomic.Int32
	lists   atomic.Int32
	getErr  error
	getGate chan struct{}
}

func (s *countingStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	s.gets.Add(1)
	if s.getGate != nil {
		<-s.getGate
	}
	if s.getErr != nil {
		return nil, ObjectInfo{}, s.getErr
	}
	return s.ObjectStore.Get(ctx, key)
}

func (s *countingStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	s.lists.Add(1)
	return s.ObjectStore.List(ctx, prefix)
}

// putTemplate publishes content as a template and returns its object info.
func putTemplate(t *testing.T, store ObjectStore, clock *fakeClock, category, key, name string, content []byte) ObjectInfo {
	t.Helper()
	u := NewUploader(store, DefaultPlanner(), nil, nil)
	if clock != nil {
		u.now = clock.Now
	}
	info, err := u.Publish(context.Background(), KindTemplates, category, key, name, content, QualityDefault)
	require.NoError(t, err)
	return info
}

// buildTemplate writes a workbook with a title in row 1, headers in row 3,
// a styled anchor row 4 and a footer note in row 5, one column right of the
// headers.
func buildTemplate(t *testing.T, sheet string, headers []string) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	if sheet != "Sheet1" {
		require.NoError(t, f.SetSheetName("Sheet1", sheet))
	}
	require.NoError(t, f.SetCellStr(sheet, "A1", "Product upload template"))
	for i, h := range headers {
		require.NoError(t, f.SetCellStr(sheet, cellName(t, i+1, 3), h))
	}
	style, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFF2CC"}},
	})
	require.NoError(t, err)
	require.NoError(t, f.SetCellStyle(sheet, "A4", cellName(t, max(len(headers), 1), 4), style))
	require.NoError(t, f.SetCellStr(sheet, "A4", "example-sku"))
	require.NoError(t, f.SetCellStr(sheet, cellName(t, len(headers)+1, 5), "footer"))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func cellName(t *testing.T, col, row int) string {
	t.Helper()
	c, err := excelize.CoordinatesToCellName(col, row)
	require.NoError(t, err)
	return c
}

func openExcel(t *testing.T, data []byte) *excelize.File {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func familyRecords() []RowRecord {
	return []RowRecord{
		{Kind: RowParent, KeyValue: "P1", Attribute1: "red"},
		{Kind: RowChild, Group: "P1", KeyValue: "C1", Attribute1: "red", Attribute2: "S"},
		{Kind: RowChild, Group: "P1", KeyValue: "C2", Attribute1: "red", Attribute2: "M"},
	}
}

// fakeWorkbook is a JSON-encoded grid of cell strings.
type fakeWorkbook struct {
	Order  []string              `json:"order"`
	Sheets map[string][][]string `json:"sheets"`

	encoded Format
}

func newFakeTemplate(sheet string, rows ...[]string) []byte {
	b, _ := json.Marshal(fakeWorkbook{Order: []string{sheet}, Sheets: map[string][][]string{sheet: rows}})
	return b
}

type fakeOpener struct {
	last *fakeWorkbook
}

func (o *fakeOpener) open(data []byte) (Workbook, error) {
	var w fakeWorkbook
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	o.last = &w
	return &w, nil
}

func (w *fakeWorkbook) sheet(name string) ([][]string, error) {
	rows, ok := w.Sheets[name]
	if !ok {
		return nil, errors.New("no sheet " + name)
	}
	return rows, nil
}

func (w *fakeWorkbook) SheetNames() []string { return w.Order }

func (w *fakeWorkbook) RowValues(sheet string, row int) ([]string, error) {
	rows, err := w.sheet(sheet)
	if err != nil {
		return nil, err
	}
	if row > len(rows) {
		return nil, nil
	}
	return rows[row-1], nil
}

func (w *fakeWorkbook) CellValue(sheet string, row, col int) (string, error) {
	vals, err := w.RowValues(sheet, row)
	if err != nil || col > len(vals) {
		return "", err
	}
	return vals[col-1], nil
}

func (w *fakeWorkbook) SetCellValue(sheet string, row, col int, value string) error {
	rows, err := w.sheet(sheet)
	if err != nil {
		return err
	}
	for len(rows) < row {
		rows = append(rows, nil)
	}
	for len(rows[row-1]) < col {
		rows[row-1] = append(rows[row-1], "")
	}
	rows[row-1][col-1] = value
	w.Sheets[sheet] = rows
	return nil
}

func (w *fakeWorkbook) DuplicateRow(sheet string, row, target int) error {
	rows, err := w.sheet(sheet)
	if err != nil {
		return err
	}
	for len(rows) < max(row, target-1) {
		rows = append(rows, nil)
	}
	cp := append([]string(nil), rows[row-1]...)
	rows = append(rows[:target-1], append([][]string{cp}, rows[target-1:]...)...)
	w.Sheets[sheet] = rows
	return nil
}

func (w *fakeWorkbook) RemoveRow(sheet string, row int) error {
	rows, err := w.sheet(sheet)
	if err != nil {
		return err
	}
	if row <= len(rows) {
		rows = append(rows[:row-1], rows[row:]...)
	}
	w.Sheets[sheet] = rows
	return nil
}

func (w *fakeWorkbook) Encode(out io.Writer, format Format) error {
	w.encoded = format
	return json.NewEncoder(out).Encode(w)
}

func (w *fakeWorkbook) Close() error { return nil }

// column returns the values of col from row on, stopping at the first empty
// key cell.
func (w *fakeWorkbook) column(sheet string, col, from int) []string {
	var out []string
	for row := from; ; row++ {
		v, _ := w.CellValue(sheet, row, col)
		if strings.TrimSpace(v) == "" {
			return out
		}
		out = append(out, v)
	}
}
