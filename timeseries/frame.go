// Package timeseries holds the fixed-shape typed sample series produced by
// a simulation run, plus the Arrow IPC codec used to persist it.
package timeseries

import "fmt"

// Kind identifies the element type of a column. A column's kind is fixed
// from its first sample and never changes.
type Kind int

const (
	Float64 Kind = iota
	Int64
	Bool
)

func (k Kind) String() string {
	switch k {
	case Float64:
		return "float64"
	case Int64:
		return "int64"
	case Bool:
		return "bool"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Column is one logged series, named "<system>.<parameter>". Exactly one
// of the backing slices is populated, selected by Kind.
type Column struct {
	Name    string
	Unit    string
	Kind    Kind
	Float64 []float64
	Int64   []int64
	Bool    []bool
}

// Len returns the number of samples in the column.
func (c *Column) Len() int {
	switch c.Kind {
	case Int64:
		return len(c.Int64)
	case Bool:
		return len(c.Bool)
	default:
		return len(c.Float64)
	}
}

// Value returns the sample at row i as an untyped scalar.
func (c *Column) Value(i int) any {
	switch c.Kind {
	case Int64:
		return c.Int64[i]
	case Bool:
		return c.Bool[i]
	default:
		return c.Float64[i]
	}
}

// Frame is a fixed-shape time series: the shared time column plus the
// logged columns in logging order. All columns have the same length.
type Frame struct {
	Time    []float64
	Columns []Column
}

// Rows returns the number of samples.
func (f *Frame) Rows() int { return len(f.Time) }

// Column returns the named column, or nil if the frame has no such column.
func (f *Frame) Column(name string) *Column {
	for i := range f.Columns {
		if f.Columns[i].Name == name {
			return &f.Columns[i]
		}
	}
	return nil
}

// ColumnNames returns the logged column names in order, excluding time.
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.Columns))
	for i := range f.Columns {
		names[i] = f.Columns[i].Name
	}
	return names
}

// Value returns the sample at row i of the named column.
func (f *Frame) Value(i int, name string) (any, bool) {
	c := f.Column(name)
	if c == nil || i < 0 || i >= c.Len() {
		return nil, false
	}
	return c.Value(i), true
}

// Units returns the mapping of column name to unit for every column that
// carries one.
func (f *Frame) Units() map[string]string {
	units := make(map[string]string)
	for i := range f.Columns {
		if f.Columns[i].Unit != "" {
			units[f.Columns[i].Name] = f.Columns[i].Unit
		}
	}
	return units
}
