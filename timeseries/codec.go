package timeseries

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// ErrSchema reports a payload whose Arrow schema does not describe a
// simulation time series.
var ErrSchema = errors.New("unexpected time series schema")

// unitMetadataKey is the Arrow field metadata key carrying a column's unit.
const unitMetadataKey = "unit"

// Encode serializes the frame as an Arrow IPC stream. The schema carries a
// leading float64 "time" field followed by one field per column; units
// travel as field metadata, so the payload stays self-describing.
func Encode(f *Frame) ([]byte, error) {
	fields := make([]arrow.Field, 0, 1+len(f.Columns))
	fields = append(fields, arrow.Field{Name: "time", Type: arrow.PrimitiveTypes.Float64})
	for i := range f.Columns {
		c := &f.Columns[i]
		if c.Len() != len(f.Time) {
			return nil, fmt.Errorf("column %q has %d rows, time has %d", c.Name, c.Len(), len(f.Time))
		}
		var dt arrow.DataType
		switch c.Kind {
		case Float64:
			dt = arrow.PrimitiveTypes.Float64
		case Int64:
			dt = arrow.PrimitiveTypes.Int64
		case Bool:
			dt = arrow.FixedWidthTypes.Boolean
		default:
			return nil, fmt.Errorf("column %q: unsupported kind %s", c.Name, c.Kind)
		}
		field := arrow.Field{Name: c.Name, Type: dt}
		if c.Unit != "" {
			field.Metadata = arrow.NewMetadata([]string{unitMetadataKey}, []string{c.Unit})
		}
		fields = append(fields, field)
	}
	schema := arrow.NewSchema(fields, nil)

	mem := memory.DefaultAllocator
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	b.Field(0).(*array.Float64Builder).AppendValues(f.Time, nil)
	for i := range f.Columns {
		c := &f.Columns[i]
		switch c.Kind {
		case Float64:
			b.Field(i + 1).(*array.Float64Builder).AppendValues(c.Float64, nil)
		case Int64:
			b.Field(i + 1).(*array.Int64Builder).AppendValues(c.Int64, nil)
		case Bool:
			b.Field(i + 1).(*array.BooleanBuilder).AppendValues(c.Bool, nil)
		}
	}

	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, fmt.Errorf("writing record batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing ipc stream: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reconstructs a frame from an Arrow IPC stream produced by Encode.
// Payloads written by other tools are accepted as long as the schema is a
// float64 "time" field followed by float64, int64, or boolean fields.
func Decode(data []byte) (*Frame, error) {
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening ipc stream: %w", err)
	}
	defer r.Release()

	fields := r.Schema().Fields()
	if len(fields) == 0 || fields[0].Name != "time" || fields[0].Type.ID() != arrow.FLOAT64 {
		return nil, fmt.Errorf("%w: missing leading float64 time field", ErrSchema)
	}

	f := &Frame{Columns: make([]Column, len(fields)-1)}
	for i, field := range fields[1:] {
		c := &f.Columns[i]
		c.Name = field.Name
		if idx := field.Metadata.FindKey(unitMetadataKey); idx >= 0 {
			c.Unit = field.Metadata.Values()[idx]
		}
		switch field.Type.ID() {
		case arrow.FLOAT64:
			c.Kind = Float64
		case arrow.INT64:
			c.Kind = Int64
		case arrow.BOOL:
			c.Kind = Bool
		default:
			return nil, fmt.Errorf("%w: field %q has type %s", ErrSchema, field.Name, field.Type)
		}
	}

	for r.Next() {
		rec := r.Record()
		f.Time = append(f.Time, rec.Column(0).(*array.Float64).Float64Values()...)
		for i := 1; i < int(rec.NumCols()); i++ {
			c := &f.Columns[i-1]
			switch c.Kind {
			case Float64:
				c.Float64 = append(c.Float64, rec.Column(i).(*array.Float64).Float64Values()...)
			case Int64:
				c.Int64 = append(c.Int64, rec.Column(i).(*array.Int64).Int64Values()...)
			case Bool:
				col := rec.Column(i).(*array.Boolean)
				for j := 0; j < col.Len(); j++ {
					c.Bool = append(c.Bool, col.Value(j))
				}
			}
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("reading ipc stream: %w", err)
	}
	return f, nil
}
