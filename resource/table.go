package resource

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// DTypeFloat is the only numeric dtype carried on the wire.
const DTypeFloat = "f8"

// Table is a normalized two dimensional table payload. Cells are float64
// for dtype f8 and string for fixed width byte strings (|S<n>).
type Table struct {
	Array        [][]any
	DType        string
	Shape        [2]int
	Size         int
	RowLabels    []string
	ColumnLabels []string
	// Properties holds extra keys such as plot or format hints.
	Properties map[string]any
}

func (t *Table) Kind() PayloadKind { return PayloadTable }

// Validate re-checks the normalization invariants.
func (t *Table) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil table", ErrPayload)
	}
	if len(t.Array) != t.Shape[0] {
		return fmt.Errorf("%w: table has %d rows, shape says %d", ErrPayload, len(t.Array), t.Shape[0])
	}
	for i, row := range t.Array {
		if len(row) != t.Shape[1] {
			return fmt.Errorf("%w: table row %d has %d columns, shape says %d", ErrPayload, i, len(row), t.Shape[1])
		}
	}
	if t.Size != t.Shape[0]*t.Shape[1] {
		return fmt.Errorf("%w: table size %d does not match shape %v", ErrPayload, t.Size, t.Shape)
	}
	if t.DType != DTypeFloat && !strings.HasPrefix(t.DType, "|S") {
		return fmt.Errorf("%w: table dtype %q is neither float nor byte string", ErrPayload, t.DType)
	}
	if len(t.RowLabels) > 0 && len(t.RowLabels) != t.Shape[0] {
		return fmt.Errorf("%w: %d row labels for %d rows", ErrPayload, len(t.RowLabels), t.Shape[0])
	}
	if len(t.ColumnLabels) > 0 && len(t.ColumnLabels) != t.Shape[1] {
		return fmt.Errorf("%w: %d column labels for %d columns", ErrPayload, len(t.ColumnLabels), t.Shape[1])
	}
	return nil
}

// NewTable normalizes array into a Table. array may be nil, a one or two
// dimensional slice of numbers, or of strings/byte slices. A nil array
// becomes a 1x1 zero. A one dimensional array is reshaped to one row per
// row label, else one column per column label, else a single row. Numbers
// are coerced to float64; dtype, shape and size are always recomputed.
func NewTable(array any, rowLabels, columnLabels []string) (*Table, error) {
	rows, err := tableRows(array, len(rowLabels), len(columnLabels))
	if err != nil {
		return nil, err
	}
	t := &Table{
		RowLabels:    append([]string(nil), rowLabels...),
		ColumnLabels: append([]string(nil), columnLabels...),
		Properties:   map[string]any{},
	}
	if err := t.coerce(rows); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func tableRows(array any, nrows, ncols int) ([][]any, error) {
	if array == nil {
		return [][]any{{0.0}}, nil
	}
	rv := reflect.ValueOf(array)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return [][]any{{array}}, nil
	}
	if _, isBytes := array.([]byte); isBytes {
		return [][]any{{array}}, nil
	}
	if rv.Len() == 0 {
		return [][]any{{0.0}}, nil
	}
	if isRowValue(rv.Index(0)) {
		out := make([][]any, rv.Len())
		for i := range out {
			row := rv.Index(i)
			for row.Kind() == reflect.Interface {
				row = row.Elem()
			}
			if !isRowValue(row) {
				return nil, fmt.Errorf("%w: table row %d is not a list", ErrPayload, i)
			}
			cells := make([]any, row.Len())
			for j := range cells {
				cells[j] = row.Index(j).Interface()
			}
			out[i] = cells
		}
		return out, nil
	}
	flat := make([]any, rv.Len())
	for i := range flat {
		flat[i] = rv.Index(i).Interface()
	}
	n := len(flat)
	switch {
	case nrows > 0:
		if n%nrows != 0 {
			return nil, fmt.Errorf("%w: %d values cannot be split into %d labelled rows", ErrPayload, n, nrows)
		}
		return reshape(flat, nrows, n/nrows), nil
	case ncols > 0:
		if n%ncols != 0 {
			return nil, fmt.Errorf("%w: %d values cannot be split into %d labelled columns", ErrPayload, n, ncols)
		}
		return reshape(flat, n/ncols, ncols), nil
	default:
		return [][]any{flat}, nil
	}
}

func isRowValue(v reflect.Value) bool {
	for v.Kind() == reflect.Interface {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return false
	}
	return v.Type().Elem().Kind() != reflect.Uint8
}

func reshape(flat []any, rows, cols int) [][]any {
	out := make([][]any, rows)
	for i := range out {
		out[i] = flat[i*cols : (i+1)*cols]
	}
	return out
}

// coerce settles the dtype and converts every cell to float64 or string.
func (t *Table) coerce(rows [][]any) error {
	width := -1
	sawString, sawNumber := false, false
	for i, row := range rows {
		if width >= 0 && len(row) != width {
			return fmt.Errorf("%w: table row %d has %d columns, expected %d", ErrPayload, i, len(row), width)
		}
		width = len(row)
		for _, cell := range row {
			switch cellKind(cell) {
			case reflect.String:
				sawString = true
			case reflect.Float64:
				sawNumber = true
			default:
				return fmt.Errorf("%w: table cell %v (%T) is neither a number nor a byte string", ErrPayload, cell, cell)
			}
		}
	}
	if sawString && sawNumber {
		return fmt.Errorf("%w: table mixes numbers and strings", ErrPayload)
	}
	maxLen := 1
	out := make([][]any, len(rows))
	for i, row := range rows {
		cells := make([]any, len(row))
		for j, cell := range row {
			if sawString {
				s := cellString(cell)
				if len(s) > maxLen {
					maxLen = len(s)
				}
				cells[j] = s
				continue
			}
			cells[j] = cellFloat(cell)
		}
		out[i] = cells
	}
	t.Array = out
	if sawString {
		t.DType = "|S" + strconv.Itoa(maxLen)
	} else {
		t.DType = DTypeFloat
	}
	t.Shape = [2]int{len(out), max(width, 0)}
	t.Size = t.Shape[0] * t.Shape[1]
	return nil
}

func cellKind(cell any) reflect.Kind {
	switch cell.(type) {
	case string, []byte:
		return reflect.String
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return reflect.Float64
	}
	return reflect.Invalid
}

func cellString(cell any) string {
	if b, ok := cell.([]byte); ok {
		return string(b)
	}
	return cell.(string)
}

func cellFloat(cell any) float64 {
	rv := reflect.ValueOf(cell)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	default:
		return float64(rv.Int())
	}
}

// wire renders the table as the payloaddata map.
func (t *Table) wire() map[string]any {
	out := make(map[string]any, len(t.Properties)+6)
	for k, v := range t.Properties {
		out[k] = v
	}
	array := make([]any, len(t.Array))
	for i, row := range t.Array {
		array[i] = append([]any(nil), row...)
	}
	out["array"] = array
	out["dtype"] = t.DType
	out["shape"] = []any{t.Shape[0], t.Shape[1]}
	out["size"] = t.Size
	if len(t.RowLabels) > 0 {
		out["row_labels"] = stringsToAny(t.RowLabels)
	}
	if len(t.ColumnLabels) > 0 {
		out["column_labels"] = stringsToAny(t.ColumnLabels)
	}
	return out
}

func tableFromWire(m map[string]any) (*Table, error) {
	rowLabels := anyToStrings(m["row_labels"])
	columnLabels := anyToStrings(m["column_labels"])
	t, err := NewTable(m["array"], rowLabels, columnLabels)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch k {
		case "array", "dtype", "shape", "size", "row_labels", "column_labels":
			continue
		}
		t.Properties[k] = m[k]
	}
	return t, nil
}

// Equal compares two tables cell by cell, treating NaN as equal to NaN.
func (t *Table) Equal(other *Table) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.DType != other.DType || t.Shape != other.Shape {
		return false
	}
	if !reflect.DeepEqual(t.RowLabels, other.RowLabels) || !reflect.DeepEqual(t.ColumnLabels, other.ColumnLabels) {
		return false
	}
	for i := range t.Array {
		for j := range t.Array[i] {
			a, b := t.Array[i][j], other.Array[i][j]
			fa, aok := a.(float64)
			fb, bok := b.(float64)
			if aok && bok && math.IsNaN(fa) && math.IsNaN(fb) {
				continue
			}
			if a != b {
				return false
			}
		}
	}
	return true
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func anyToStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return append([]string(nil), ss...)
		}
		return nil
	}
	out := make([]string, len(list))
	for i, item := range list {
		if s, ok := item.(string); ok {
			out[i] = s
			continue
		}
		out[i] = fmt.Sprint(item)
	}
	return out
}
