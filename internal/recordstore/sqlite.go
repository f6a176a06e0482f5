package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errRecordNotFound = errors.New("recordstore: record not found")

type storedRow struct {
	RecordID   string `gorm:"primaryKey;column:record_id"`
	TableID    string `gorm:"index;column:table_id"`
	FieldsJSON string `gorm:"column:fields_json"`
	Seq        int64  `gorm:"autoIncrement;uniqueIndex;column:seq"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (storedRow) TableName() string { return "record_rows" }

// SQLite is a Store backed by a local SQLite file. It exists for development
// and offline runs; it deliberately keeps the remote store's semantics (rows
// in insertion order, no uniqueness) rather than adding constraints the
// remote cannot honor.
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite establishes the SQLite connection and performs schema
// migration.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&storedRow{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("sqlite record store initialized", zap.String("path", path))
	}

	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLite) ListRows(ctx context.Context, tableID string) ([]Row, error) {
	var stored []storedRow
	if err := s.db.WithContext(ctx).
		Where("table_id = ?", tableID).
		Order("seq ASC").
		Find(&stored).Error; err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(stored))
	for _, record := range stored {
		fields := map[string]any{}
		if record.FieldsJSON != "" {
			if err := json.Unmarshal([]byte(record.FieldsJSON), &fields); err != nil {
				return nil, fmt.Errorf("decode record %s: %w", record.RecordID, err)
			}
		}
		rows = append(rows, Row{ID: record.RecordID, Fields: fields})
	}
	return rows, nil
}

func (s *SQLite) CreateRow(ctx context.Context, tableID string, fields map[string]any) (string, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	record := storedRow{
		RecordID:   "rec_" + uuid.NewString(),
		TableID:    tableID,
		FieldsJSON: string(encoded),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", err
	}
	return record.RecordID, nil
}

func (s *SQLite) UpdateRow(ctx context.Context, tableID string, recordID string, fields map[string]any) error {
	var record storedRow
	err := s.db.WithContext(ctx).
		Where("table_id = ? AND record_id = ?", tableID, recordID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", errRecordNotFound, recordID)
	}
	if err != nil {
		return err
	}

	merged := map[string]any{}
	if record.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(record.FieldsJSON), &merged); err != nil {
			return fmt.Errorf("decode record %s: %w", recordID, err)
		}
	}
	for name, value := range fields {
		merged[name] = value
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).
		Model(&storedRow{}).
		Where("table_id = ? AND record_id = ?", tableID, recordID).
		Update("fields_json", string(encoded)).Error
}

// ListFields synthesizes column metadata from the union of field names seen
// in stored rows. The local backend has no schema catalogue of its own.
func (s *SQLite) ListFields(ctx context.Context, tableID string) ([]FieldMeta, error) {
	rows, err := s.ListRows(ctx, tableID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	metas := make([]FieldMeta, 0)
	for _, row := range rows {
		for name := range row.Fields {
			if seen[name] {
				continue
			}
			seen[name] = true
			metas = append(metas, FieldMeta{FieldID: name, FieldName: name, FieldType: 1})
		}
	}
	return metas, nil
}
