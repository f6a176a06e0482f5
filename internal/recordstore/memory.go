package recordstore

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Store used by tests and local experiments. Rows
// keep insertion order, matching the storage-order guarantee the repository
// layer relies on for last-row-wins resolution.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]Row
	fields map[string][]FieldMeta
	nextID int

	// FailUpdate makes UpdateRow fail for the given record ids, simulating
	// stale hints.
	FailUpdate map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		tables:     map[string][]Row{},
		fields:     map[string][]FieldMeta{},
		FailUpdate: map[string]bool{},
	}
}

// Seed appends a row with a caller-chosen record id.
func (m *Memory) Seed(tableID, recordID string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[tableID] = append(m.tables[tableID], Row{ID: recordID, Fields: cloneFields(fields)})
}

// SetFields registers the column metadata returned by ListFields.
func (m *Memory) SetFields(tableID string, metas []FieldMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[tableID] = metas
}

func (m *Memory) ListRows(_ context.Context, tableID string) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[tableID]
	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = Row{ID: row.ID, Fields: cloneFields(row.Fields)}
	}
	return out, nil
}

func (m *Memory) CreateRow(_ context.Context, tableID string, fields map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("rec_%d", m.nextID)
	m.tables[tableID] = append(m.tables[tableID], Row{ID: id, Fields: cloneFields(fields)})
	return id, nil
}

func (m *Memory) UpdateRow(_ context.Context, tableID string, recordID string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdate[recordID] {
		return fmt.Errorf("update rejected for record %s", recordID)
	}
	rows := m.tables[tableID]
	for i := range rows {
		if rows[i].ID != recordID {
			continue
		}
		for name, value := range fields {
			rows[i].Fields[name] = value
		}
		return nil
	}
	return fmt.Errorf("record %s not found in table %s", recordID, tableID)
}

func (m *Memory) ListFields(_ context.Context, tableID string) ([]FieldMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FieldMeta(nil), m.fields[tableID]...), nil
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		out[name] = value
	}
	return out
}
