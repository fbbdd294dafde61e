package driver

import (
	"fmt"
	"strconv"
)

// SliceRows is an in-memory Rows implementation for drivers whose replies are
// fully buffered.
type SliceRows struct {
	columns []string
	values  [][]any
	pos     int
	closed  bool
}

// NewSliceRows builds Rows over values. Every row must have len(columns) cells.
func NewSliceRows(columns []string, values [][]any) *SliceRows {
	return &SliceRows{columns: columns, values: values, pos: -1}
}

func (r *SliceRows) Columns() ([]string, error) {
	if r.closed {
		return nil, ErrConnClosed
	}
	return r.columns, nil
}

func (r *SliceRows) Next() bool {
	if r.closed || r.pos+1 >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *SliceRows) Scan(dest ...any) error {
	if r.closed {
		return ErrConnClosed
	}
	if r.pos < 0 || r.pos >= len(r.values) {
		return fmt.Errorf("driver: Scan called without a current row")
	}
	row := r.values[r.pos]
	if len(dest) != len(row) {
		return fmt.Errorf("driver: expected %d destination arguments in Scan, not %d", len(row), len(dest))
	}
	for i, src := range row {
		if err := assign(dest[i], src); err != nil {
			return fmt.Errorf("driver: converting column %d (%q): %w", i, r.columns[i], err)
		}
	}
	return nil
}

func (r *SliceRows) Err() error { return nil }

func (r *SliceRows) Close() error {
	r.closed = true
	return nil
}

func assign(dest, src any) error {
	switch d := dest.(type) {
	case *any:
		*d = src
	case *string:
		switch s := src.(type) {
		case string:
			*d = s
		case []byte:
			*d = string(s)
		case nil:
			*d = ""
		default:
			*d = fmt.Sprint(s)
		}
	case *[]byte:
		switch s := src.(type) {
		case []byte:
			*d = append((*d)[:0], s...)
		case string:
			*d = []byte(s)
		case nil:
			*d = nil
		default:
			*d = []byte(fmt.Sprint(s))
		}
	case *int64:
		n, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = n
	case *int:
		n, err := toInt64(src)
		if err != nil {
			return err
		}
		*d = int(n)
	case *float64:
		switch s := src.(type) {
		case float64:
			*d = s
		case string:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return err
			}
			*d = f
		default:
			n, err := toInt64(src)
			if err != nil {
				return err
			}
			*d = float64(n)
		}
	case *bool:
		switch s := src.(type) {
		case bool:
			*d = s
		default:
			n, err := toInt64(src)
			if err != nil {
				return err
			}
			*d = n != 0
		}
	default:
		return fmt.Errorf("unsupported Scan destination %T", dest)
	}
	return nil
}

func toInt64(src any) (int64, error) {
	switch s := src.(type) {
	case int64:
		return s, nil
	case int:
		return int64(s), nil
	case int32:
		return int64(s), nil
	case string:
		return strconv.ParseInt(s, 10, 64)
	case []byte:
		return strconv.ParseInt(string(s), 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", src)
	}
}
