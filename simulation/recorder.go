package simulation

import (
	"fmt"

	"github.com/nvandessel/costep/timeseries"
)

// recorder accumulates logged rows into a pre-sized frame. Column kinds
// are locked by the first recorded row; rows arrive strictly in
// increasing log-index order and the frame is only released once every
// expected row is present.
type recorder struct {
	frame  *timeseries.Frame
	params []SystemParameter
	rows   int
	next   int
	typed  bool
}

func newRecorder(rows int, params []SystemParameter) *recorder {
	f := &timeseries.Frame{
		Time:    make([]float64, 0, rows),
		Columns: make([]timeseries.Column, len(params)),
	}
	for i, p := range params {
		f.Columns[i].Name = p.String()
	}
	return &recorder{frame: f, params: params, rows: rows}
}

// append records one row at time t. read resolves the value and unit of
// one logged pair; its errors pass through unwrapped.
func (r *recorder) append(t float64, read func(SystemParameter) (any, string, error)) error {
	if r.next >= r.rows {
		return fmt.Errorf("recorder full: row %d of %d", r.next, r.rows)
	}

	// Resolve the whole row before committing any of it.
	values := make([]any, len(r.params))
	units := make([]string, len(r.params))
	for i, p := range r.params {
		v, unit, err := read(p)
		if err != nil {
			return err
		}
		values[i] = v
		units[i] = unit
	}

	if !r.typed {
		for i := range r.frame.Columns {
			kind, err := kindOf(values[i])
			if err != nil {
				return fmt.Errorf("logged parameter %s: %w", r.params[i], err)
			}
			c := &r.frame.Columns[i]
			c.Kind = kind
			c.Unit = units[i]
			switch kind {
			case timeseries.Float64:
				c.Float64 = make([]float64, 0, r.rows)
			case timeseries.Int64:
				c.Int64 = make([]int64, 0, r.rows)
			case timeseries.Bool:
				c.Bool = make([]bool, 0, r.rows)
			}
		}
		r.typed = true
	}

	for i := range r.frame.Columns {
		if err := appendValue(&r.frame.Columns[i], values[i]); err != nil {
			return fmt.Errorf("logged parameter %s: %w", r.params[i], err)
		}
	}
	r.frame.Time = append(r.frame.Time, t)
	r.next++
	return nil
}

// finish hands over the frame once every expected row has been recorded.
func (r *recorder) finish() (*timeseries.Frame, error) {
	if r.next != r.rows {
		return nil, fmt.Errorf("recorded %d rows, expected %d", r.next, r.rows)
	}
	return r.frame, nil
}

// kindOf maps a sampled value to its column kind. float32 and the
// narrower signed integers normalize to the wider kind.
func kindOf(v any) (timeseries.Kind, error) {
	switch v.(type) {
	case float64, float32:
		return timeseries.Float64, nil
	case int, int32, int64:
		return timeseries.Int64, nil
	case bool:
		return timeseries.Bool, nil
	}
	return 0, fmt.Errorf("unsupported value type %T", v)
}

func appendValue(c *timeseries.Column, v any) error {
	switch c.Kind {
	case timeseries.Float64:
		switch x := v.(type) {
		case float64:
			c.Float64 = append(c.Float64, x)
		case float32:
			c.Float64 = append(c.Float64, float64(x))
		default:
			return typeChanged(c, v)
		}
	case timeseries.Int64:
		switch x := v.(type) {
		case int64:
			c.Int64 = append(c.Int64, x)
		case int:
			c.Int64 = append(c.Int64, int64(x))
		case int32:
			c.Int64 = append(c.Int64, int64(x))
		default:
			return typeChanged(c, v)
		}
	case timeseries.Bool:
		x, ok := v.(bool)
		if !ok {
			return typeChanged(c, v)
		}
		c.Bool = append(c.Bool, x)
	}
	return nil
}

func typeChanged(c *timeseries.Column, v any) error {
	return fmt.Errorf("value type changed to %T, column is %s", v, c.Kind)
}
