package rotation

import (
	"context"
	"fmt"

	"fieldcrypt/crypto"
)

// ColumnCensus counts the classification of the values of one column.
type ColumnCensus struct {
	Column        string `json:"column"`
	Null          int    `json:"null"`
	Empty         int    `json:"empty"`
	Plaintext     int    `json:"plaintext"`
	Encrypted     int    `json:"encrypted"`
	Undecryptable int    `json:"undecryptable"`
	Sealed        int    `json:"sealed"`
	Legacy        int    `json:"legacy"`
}

// TableCensus is the census of one target.
type TableCensus struct {
	Table   string         `json:"table"`
	Rows    int            `json:"rows"`
	Columns []ColumnCensus `json:"columns"`
}

// Percent returns the share of non-empty values that are encrypted.
func (t TableCensus) Percent() float64 {
	var enc, total int
	for _, c := range t.Columns {
		enc += c.Encrypted
		total += c.Plaintext + c.Encrypted + c.Undecryptable
	}
	if total == 0 {
		return 100
	}
	return float64(enc) * 100 / float64(total)
}

// Census classifies every non-null column of targets with codec without
// writing anything.
func Census(ctx context.Context, store Store, codec crypto.Encrypter, targets []Target, batchSize int) ([]TableCensus, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	out := make([]TableCensus, 0, len(targets))
	for _, t := range targets {
		tc := TableCensus{Table: t.Table, Columns: make([]ColumnCensus, len(t.Columns))}
		for i, col := range t.Columns {
			tc.Columns[i].Column = col
		}

		var cursor string
		for {
			rows, err := store.Select(ctx, Query{
				Table:    t.Table,
				IDColumn: t.idColumn(),
				Columns:  t.Columns,
				After:    cursor,
				Limit:    batchSize,
			})
			if err != nil {
				return out, fmt.Errorf("census %s: %w", t.Table, err)
			}

			for _, row := range rows {
				tc.Rows++
				for i, col := range t.Columns {
					count(&tc.Columns[i], codec, row.Values[col])
				}
				cursor = row.ID
			}
			if len(rows) < batchSize {
				break
			}
			if err := ctx.Err(); err != nil {
				return out, err
			}
		}
		out = append(out, tc)
	}
	return out, nil
}

func count(c *ColumnCensus, codec crypto.Encrypter, value *string) {
	if value == nil {
		c.Null++
		return
	}
	cl := codec.Inspect(*value)
	switch cl.Kind {
	case crypto.KindEmpty:
		c.Empty++
		return
	case crypto.KindPlaintext:
		c.Plaintext++
		return
	case crypto.KindEncrypted:
		c.Encrypted++
	case crypto.KindUndecryptable:
		c.Undecryptable++
	}
	if cl.Format == crypto.FormatLegacy {
		c.Legacy++
	} else {
		c.Sealed++
	}
}
