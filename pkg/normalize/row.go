// Package normalize converts raw database values into transport-safe scalars.
package normalize

import (
	"bytes"

	gojson "github.com/goccy/go-json"
)

// Row is an ordered mapping from column name to value. Column order follows
// the result set and is preserved when the row is encoded as JSON.
type Row struct {
	columns []string
	values  map[string]any
}

// NewRow creates an empty row with room for n columns.
func NewRow(n int) *Row {
	return &Row{
		columns: make([]string, 0, n),
		values:  make(map[string]any, n),
	}
}

// RowOf builds a row from alternating column/value pairs. It is meant for
// tests and fixtures; an odd trailing key is ignored.
func RowOf(kv ...any) *Row {
	r := NewRow(len(kv) / 2)
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i].(string), kv[i+1])
	}
	return r
}

// Set assigns a column value, appending the column when it is new.
func (r *Row) Set(column string, value any) {
	if _, ok := r.values[column]; !ok {
		r.columns = append(r.columns, column)
	}
	r.values[column] = value
}

// Get returns the value of a column.
func (r *Row) Get(column string) (any, bool) {
	v, ok := r.values[column]
	return v, ok
}

// Columns returns the column names in result-set order.
func (r *Row) Columns() []string {
	out := make([]string, len(r.columns))
	copy(out, r.columns)
	return out
}

// Len returns the number of columns.
func (r *Row) Len() int { return len(r.columns) }

// Map returns an unordered copy of the row.
func (r *Row) Map() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy of the row.
func (r *Row) Clone() *Row {
	c := NewRow(len(r.columns))
	for _, col := range r.columns {
		c.Set(col, r.values[col])
	}
	return c
}

// MarshalJSON encodes the row as a JSON object in column order.
func (r *Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range r.columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := gojson.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := gojson.Marshal(r.values[col])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
