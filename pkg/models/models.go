package models

import (
	"time"

	"gorm.io/datatypes"
)

// Slot identifies one of the two physical storage areas. Exactly one slot
// answers reads at a time; the other is rebuilt by full refreshes.
type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"
)

// Other returns the complement slot ("the other one" — there are only two).
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Table is a mirrored table inside one slot. Created when the schema is
// synced during a full refresh; read-only afterward.
type Table struct {
	ID             uint   `json:"-" gorm:"primaryKey"`
	Slot           Slot   `json:"-" gorm:"type:varchar(1);not null;uniqueIndex:idx_tables_slot_name"`
	ExternalID     string `json:"external_id" gorm:"type:varchar(100);not null"`
	DisplayName    string `json:"display_name" gorm:"type:varchar(255);not null"`
	NormalizedName string `json:"normalized_name" gorm:"type:varchar(255);not null;uniqueIndex:idx_tables_slot_name"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Table) TableName() string {
	return "mirror_tables"
}

// Record is one mirrored record. RecordID is assigned by the remote source
// and stable across refreshes; Fields is the raw field map (jsonb).
type Record struct {
	ID        uint              `json:"-" gorm:"primaryKey"`
	Slot      Slot              `json:"-" gorm:"type:varchar(1);not null;uniqueIndex:idx_records_slot_table_id"`
	Table     string            `json:"table" gorm:"column:table_name;type:varchar(255);not null;uniqueIndex:idx_records_slot_table_id"`
	RecordID  string            `json:"id" gorm:"type:varchar(100);not null;uniqueIndex:idx_records_slot_table_id"`
	Fields    datatypes.JSONMap `json:"fields" gorm:"type:jsonb"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (Record) TableName() string {
	return "mirror_records"
}

// Attachment tracks one binary referenced by a record field. Rows are created
// when the referencing record is written; only the download pipeline mutates
// LocalPath/Downloaded/ByteSize.
type Attachment struct {
	ID           uint      `json:"-" gorm:"primaryKey"`
	Slot         Slot      `json:"-" gorm:"type:varchar(1);not null;uniqueIndex:idx_attachments_identity"`
	ExternalID   string    `json:"external_id" gorm:"type:varchar(100)"`
	Table        string    `json:"table" gorm:"column:table_name;type:varchar(255);not null;uniqueIndex:idx_attachments_identity"`
	RecordID     string    `json:"record_id" gorm:"type:varchar(100);not null;uniqueIndex:idx_attachments_identity"`
	FieldName    string    `json:"field_name" gorm:"type:varchar(255);not null;uniqueIndex:idx_attachments_identity"`
	OriginalURL  string    `json:"original_url" gorm:"type:varchar(500);not null;uniqueIndex:idx_attachments_identity"`
	Filename     string    `json:"filename" gorm:"type:varchar(500);not null"`
	ExpectedSize int64     `json:"expected_size"`
	LocalPath    *string   `json:"local_path,omitempty" gorm:"type:varchar(1000)"`
	Downloaded   bool      `json:"downloaded" gorm:"not null;default:false;index"`
	ByteSize     int64     `json:"byte_size"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Attachment) TableName() string {
	return "mirror_attachments"
}

// Lock is one named TTL lease. Release requires the token the lease was
// granted with; an expired row may be deleted by any acquirer.
type Lock struct {
	Name      string    `json:"name" gorm:"primaryKey;type:varchar(100)"`
	Token     string    `json:"token" gorm:"type:varchar(64);not null"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null"`
}

func (Lock) TableName() string {
	return "mirror_locks"
}

// MetaConfig stores small key/value state (active slot pointer, last
// successful refresh time).
type MetaConfig struct {
	Key   string `json:"key" gorm:"primaryKey;type:varchar(255)"`
	Value string `json:"value" gorm:"type:text"`
}

func (MetaConfig) TableName() string {
	return "meta_configs"
}

// SchemaMapping resolves a remote table id to the local normalized name.
// Global (not slot-scoped): webhook diffs arrive keyed by external id and must
// resolve regardless of which slot is active.
type SchemaMapping struct {
	ExternalID     string    `json:"external_id" gorm:"primaryKey;type:varchar(100)"`
	NormalizedName string    `json:"normalized_name" gorm:"type:varchar(255);not null"`
	DisplayName    string    `json:"display_name" gorm:"type:varchar(255)"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (SchemaMapping) TableName() string {
	return "schema_mappings"
}

// WebhookConfig is a registered notification endpoint on the remote source.
// Reconciled by a separate collaborator; consumed here to check secrets on
// inbound notifications.
type WebhookConfig struct {
	ID              string    `json:"id" gorm:"primaryKey;type:varchar(100)"`
	Secret          string    `json:"-" gorm:"type:varchar(100);not null"`
	NotificationURL string    `json:"notification_url" gorm:"type:varchar(500)"`
	CreatedAt       time.Time `json:"created_at"`
}

func (WebhookConfig) TableName() string {
	return "webhook_configs"
}

// CacheStats is the aggregate returned by the stats endpoint.
type CacheStats struct {
	ActiveSlot            Slot  `json:"active_slot"`
	Tables                int64 `json:"tables"`
	Records               int64 `json:"records"`
	Attachments           int64 `json:"attachments"`
	AttachmentsDownloaded int64 `json:"attachments_downloaded"`
}
