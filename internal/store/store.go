// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mirror-service/pkg/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a record, attachment or mapping does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRecord is returned for records that cannot be persisted
	// (missing source id). Batch writes surface it so callers can retry
	// record-by-record and isolate the bad one.
	ErrInvalidRecord = errors.New("invalid record")
)

const lastRefreshKey = "last_full_refresh_time"

// RecordData is one record as fetched from the source, before it is bound to
// a slot.
type RecordData struct {
	ID     string
	Fields map[string]interface{}
}

// Store is the persistence layer for both slots. It exclusively owns record,
// table and attachment rows; the active-pointer and lock rows are owned by
// their own components.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- records ---

func (s *Store) GetRecord(ctx context.Context, slot models.Slot, table, id string) (*models.Record, error) {
	var rec models.Record
	err := s.db.WithContext(ctx).
		Where("slot = ? AND table_name = ? AND record_id = ?", slot, table, id).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListRecords(ctx context.Context, slot models.Slot, table string, limit, offset int) ([]models.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var recs []models.Record
	err := s.db.WithContext(ctx).
		Where("slot = ? AND table_name = ?", slot, table).
		Order("record_id").
		Limit(limit).Offset(offset).
		Find(&recs).Error
	return recs, err
}

// SetRecord upserts one record into the given slot and reconciles the
// attachment rows its fields reference.
func (s *Store) SetRecord(ctx context.Context, slot models.Slot, table string, rec RecordData) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: empty record id (table %s)", ErrInvalidRecord, table)
	}
	row := models.Record{
		Slot:     slot,
		Table:    table,
		RecordID: rec.ID,
		Fields:   datatypes.JSONMap(rec.Fields),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slot"}, {Name: "table_name"}, {Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return err
	}
	return s.syncAttachments(ctx, slot, table, rec)
}

// SetRecordsBatch upserts a batch of records in one statement. Best effort:
// there is no atomicity guarantee across the batch, and any invalid record
// fails the whole statement — callers fall back to SetRecord per record. An
// attachment-sync failure after the batch write is also surfaced as an error,
// so the fallback can isolate and count the affected record.
func (s *Store) SetRecordsBatch(ctx context.Context, slot models.Slot, table string, recs []RecordData) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]models.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.ID == "" {
			return fmt.Errorf("%w: empty record id in batch (table %s)", ErrInvalidRecord, table)
		}
		rows = append(rows, models.Record{
			Slot:     slot,
			Table:    table,
			RecordID: rec.ID,
			Fields:   datatypes.JSONMap(rec.Fields),
		})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slot"}, {Name: "table_name"}, {Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"fields", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return err
	}
	var syncErr error
	for _, rec := range recs {
		if aerr := s.syncAttachments(ctx, slot, table, rec); aerr != nil {
			log.Printf("⚠️ Failed to sync attachments for %s/%s: %v", table, rec.ID, aerr)
			if syncErr == nil {
				syncErr = fmt.Errorf("failed to sync attachments for %s/%s: %w", table, rec.ID, aerr)
			}
		}
	}
	return syncErr
}

func (s *Store) DeleteRecord(ctx context.Context, slot models.Slot, table, id string) error {
	res := s.db.WithContext(ctx).
		Where("slot = ? AND table_name = ? AND record_id = ?", slot, table, id).
		Delete(&models.Record{})
	if res.Error != nil {
		return res.Error
	}
	// Orphaned attachment rows go with the record.
	return s.db.WithContext(ctx).
		Where("slot = ? AND table_name = ? AND record_id = ?", slot, table, id).
		Delete(&models.Attachment{}).Error
}

// --- tables ---

func (s *Store) UpsertTable(ctx context.Context, table models.Table) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slot"}, {Name: "normalized_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"external_id", "display_name"}),
	}).Create(&table).Error
}

func (s *Store) ListTables(ctx context.Context, slot models.Slot) ([]models.Table, error) {
	var tables []models.Table
	err := s.db.WithContext(ctx).
		Where("slot = ?", slot).
		Order("normalized_name").
		Find(&tables).Error
	return tables, err
}

// --- slot lifecycle ---

// ClearSlot removes every table, record and attachment row in a slot. Run
// before a full refresh starts writing so the slot never retains rows from
// two refreshes ago.
func (s *Store) ClearSlot(ctx context.Context, slot models.Slot) error {
	if err := s.db.WithContext(ctx).Where("slot = ?", slot).Delete(&models.Record{}).Error; err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("slot = ?", slot).Delete(&models.Attachment{}).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where("slot = ?", slot).Delete(&models.Table{}).Error
}

func (s *Store) Stats(ctx context.Context, slot models.Slot) (*models.CacheStats, error) {
	stats := &models.CacheStats{ActiveSlot: slot}
	if err := s.db.WithContext(ctx).Model(&models.Table{}).Where("slot = ?", slot).Count(&stats.Tables).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Record{}).Where("slot = ?", slot).Count(&stats.Records).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Attachment{}).Where("slot = ?", slot).Count(&stats.Attachments).Error; err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).Model(&models.Attachment{}).
		Where("slot = ? AND downloaded = ?", slot, true).
		Count(&stats.AttachmentsDownloaded).Error
	return stats, err
}

// --- attachments ---

func (s *Store) GetPendingAttachments(ctx context.Context, slot models.Slot) ([]models.Attachment, error) {
	var pending []models.Attachment
	err := s.db.WithContext(ctx).
		Where("slot = ? AND downloaded = ?", slot, false).
		Order("id").
		Find(&pending).Error
	return pending, err
}

func (s *Store) GetAttachment(ctx context.Context, id uint) (*models.Attachment, error) {
	var att models.Attachment
	err := s.db.WithContext(ctx).First(&att, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &att, nil
}

func (s *Store) MarkAttachmentDownloaded(ctx context.Context, id uint, localPath string, size int64) error {
	return s.db.WithContext(ctx).Model(&models.Attachment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"downloaded": true,
			"local_path": localPath,
			"byte_size":  size,
		}).Error
}

// syncAttachments upserts an attachment row for every attachment-shaped value
// in the record's fields. An attachment field value is a list of objects
// carrying at least "url" and "filename".
func (s *Store) syncAttachments(ctx context.Context, slot models.Slot, table string, rec RecordData) error {
	for field, value := range rec.Fields {
		items, ok := value.([]interface{})
		if !ok {
			continue
		}
		for _, item := range items {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			url, _ := obj["url"].(string)
			filename, _ := obj["filename"].(string)
			if url == "" || filename == "" {
				continue
			}
			att := models.Attachment{
				Slot:        slot,
				Table:       table,
				RecordID:    rec.ID,
				FieldName:   field,
				OriginalURL: url,
				Filename:    filename,
			}
			if id, ok := obj["id"].(string); ok {
				att.ExternalID = id
			}
			if size, ok := obj["size"].(float64); ok {
				att.ExpectedSize = int64(size)
			}
			err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "slot"}, {Name: "table_name"}, {Name: "record_id"},
					{Name: "field_name"}, {Name: "original_url"},
				},
				DoUpdates: clause.AssignmentColumns([]string{"filename", "expected_size", "external_id", "updated_at"}),
			}).Create(&att).Error
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// --- schema mappings ---

// ResolveTableName maps a remote table id to the local normalized name.
// Returns ErrNotFound when the mapping was never synced; callers must fail
// closed rather than guess.
func (s *Store) ResolveTableName(ctx context.Context, externalID string) (string, error) {
	var mapping models.SchemaMapping
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return mapping.NormalizedName, nil
}

func (s *Store) UpsertMappings(ctx context.Context, mappings []models.SchemaMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"normalized_name", "display_name", "updated_at"}),
	}).Create(&mappings).Error
}

// --- webhook configs ---

func (s *Store) GetWebhookConfig(ctx context.Context, id string) (*models.WebhookConfig, error) {
	var cfg models.WebhookConfig
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) UpsertWebhookConfig(ctx context.Context, cfg models.WebhookConfig) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"secret", "notification_url"}),
	}).Create(&cfg).Error
}

// --- refresh bookkeeping ---

func (s *Store) LastRefreshTime(ctx context.Context) (time.Time, error) {
	var meta models.MetaConfig
	err := s.db.WithContext(ctx).Where("key = ?", lastRefreshKey).First(&meta).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil // never refreshed
		}
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, meta.Value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last refresh time: %w", err)
	}
	return t, nil
}

func (s *Store) SetLastRefreshTime(ctx context.Context, t time.Time) error {
	meta := models.MetaConfig{Key: lastRefreshKey, Value: t.UTC().Format(time.RFC3339)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&meta).Error
}
