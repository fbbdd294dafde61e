package dbpool

import (
	"fmt"

	"github.com/BaSui01/connpool/driver"
	"github.com/BaSui01/connpool/internal/pool"
)

// Row is one result row keyed by column name. []byte values are returned as
// strings.
type Row map[string]any

// scanRow reads the current row of rows.
func scanRow(rows driver.Rows, columns []string) (Row, error) {
	buf := pool.ScanBufferPool.Get()
	defer pool.ScanBufferPool.Put(buf)

	buf.Prepare(len(columns))
	if err := rows.Scan(buf.Ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}

	row := make(Row, len(columns))
	for i, col := range columns {
		v := buf.Values[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row[col] = v
	}
	return row, nil
}

// collectRows reads every remaining row and closes rows.
func collectRows(rows driver.Rows) ([]Row, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows, columns)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
