package dbpool

import (
	"context"
	"iter"
	"time"
)

// Cursor returns the rows of query as a lazy sequence. The connection is
// acquired when iteration starts, stays with the handle while the sequence
// is consumed, and is given back exactly once when the rows are exhausted,
// the consumer stops early or the loop body panics.
//
// Statements run from the loop body share the cursor's connection.
func (h *Handle) Cursor(ctx context.Context, query string, args ...any) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		conn, err := h.checkout(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer h.unpin()

		ctx, span := h.txSpan(ctx, conn, "cursor")
		start := time.Now()
		var iterErr error
		defer func() {
			endSpan(span, iterErr)
			h.emitQuery(conn, query, args, time.Since(start), iterErr)
		}()

		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			iterErr = err
			yield(nil, wrapQueryError(h.name, conn.ID(), query, err))
			return
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			iterErr = err
			yield(nil, wrapQueryError(h.name, conn.ID(), query, err))
			return
		}

		for rows.Next() {
			row, err := scanRow(rows, columns)
			if err != nil {
				iterErr = err
				yield(nil, wrapQueryError(h.name, conn.ID(), query, err))
				return
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			iterErr = err
			yield(nil, wrapQueryError(h.name, conn.ID(), query, err))
		}
	}
}
