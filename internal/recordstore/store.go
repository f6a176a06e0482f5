// Package recordstore defines the contract for the remote record store and
// local implementations of it. The store is spreadsheet-like: rows are
// opaque field maps, there are no transactions, no unique indexes, and
// callers must tolerate duplicate rows for the same logical key.
package recordstore

import "context"

// Row is one stored record: an opaque identifier plus field-name → value.
type Row struct {
	ID     string
	Fields map[string]any
}

// FieldMeta describes one column of a table.
type FieldMeta struct {
	FieldID   string
	FieldName string
	FieldType int
}

// Store is the minimal surface the repository layer needs. ListRows returns
// every row of a table in storage order; implementations resolve pagination
// internally.
type Store interface {
	ListRows(ctx context.Context, tableID string) ([]Row, error)
	CreateRow(ctx context.Context, tableID string, fields map[string]any) (string, error)
	UpdateRow(ctx context.Context, tableID string, recordID string, fields map[string]any) error
	ListFields(ctx context.Context, tableID string) ([]FieldMeta, error)
}
