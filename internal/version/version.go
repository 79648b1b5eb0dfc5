// internal/version/version.go
package version

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"mirror-service/internal/store"
	"mirror-service/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const activeSlotKey = "active_slot"

// Manager owns the active/inactive slot pointer. The pointer is a single
// key/value row shared by every process instance; Flip rewrites that one
// value, so readers racing a flip see either the old slot or the new one,
// never a torn state. The row is the source of truth: a flip on one instance
// must be visible to the others. The in-memory copy only bridges transient
// read failures.
type Manager struct {
	db    *gorm.DB
	store *store.Store

	mu     sync.RWMutex
	active models.Slot // last value read from the pointer row
}

// New loads the pointer row, seeding it to slot "a" on first start.
func New(db *gorm.DB, st *store.Store) (*Manager, error) {
	m := &Manager{db: db, store: st, active: models.SlotA}

	var meta models.MetaConfig
	err := db.Where("key = ?", activeSlotKey).First(&meta).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		seed := models.MetaConfig{Key: activeSlotKey, Value: string(models.SlotA)}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return nil, fmt.Errorf("failed to seed active slot pointer: %w", err)
		}
		log.Printf("✅ [VERSION] Active slot pointer seeded to %q", models.SlotA)
	case err != nil:
		return nil, err
	default:
		slot := models.Slot(meta.Value)
		if slot != models.SlotA && slot != models.SlotB {
			return nil, fmt.Errorf("corrupt active slot pointer: %q", meta.Value)
		}
		m.active = slot
	}
	return m, nil
}

// Active is the slot that answers reads right now, per the pointer row.
// Falls back to the last known value if the row cannot be read.
func (m *Manager) Active() models.Slot {
	var meta models.MetaConfig
	err := m.db.Where("key = ?", activeSlotKey).First(&meta).Error
	if err != nil {
		log.Printf("⚠️ [VERSION] Pointer row read failed, using last known slot: %v", err)
	} else if slot := models.Slot(meta.Value); slot == models.SlotA || slot == models.SlotB {
		m.mu.Lock()
		m.active = slot
		m.mu.Unlock()
		return slot
	} else {
		log.Printf("⚠️ [VERSION] Corrupt pointer value %q, using last known slot", meta.Value)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Inactive is the complement of Active — the slot full refreshes rebuild.
func (m *Manager) Inactive() models.Slot {
	return m.Active().Other()
}

// ClearInactive empties the inactive slot. Must complete before a full
// refresh starts writing so no rows from two refreshes ago survive.
func (m *Manager) ClearInactive(ctx context.Context) error {
	return m.store.ClearSlot(ctx, m.Inactive())
}

// Flip atomically reassigns the active pointer to the former inactive slot.
// The complement is computed from a fresh read so a flip performed by another
// instance since our last look is honored. Concurrent flips are serialized by
// the refresh lock. On write failure the pointer (and the cached copy) is
// unchanged; callers must not assume success without the nil return.
func (m *Manager) Flip(ctx context.Context) error {
	next := m.Active().Other()
	res := m.db.WithContext(ctx).Model(&models.MetaConfig{}).
		Where("key = ?", activeSlotKey).
		Update("value", string(next))
	if res.Error != nil {
		return fmt.Errorf("failed to flip active slot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("failed to flip active slot: pointer row missing")
	}
	m.mu.Lock()
	m.active = next
	m.mu.Unlock()
	log.Printf("🔀 [VERSION] Active slot flipped to %q", next)
	return nil
}
