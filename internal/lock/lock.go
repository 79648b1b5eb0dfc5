// internal/lock/lock.go
package lock

import (
	"context"
	"log"
	"time"

	"mirror-service/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Coordinator is a named TTL-lease mutual exclusion primitive shared across
// process instances through the database. A lease is released either by its
// holder presenting the grant token, or unconditionally by TTL expiry —
// expiry is the deadlock-avoidance mechanism, not heartbeating. A refresh
// that legitimately outlives the TTL risks a second concurrent acquisition;
// size the TTL generously relative to the refresh cadence.
type Coordinator struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Coordinator {
	return &Coordinator{db: db}
}

// Acquire attempts to take the named lease for ttl. Contention is not an
// error: ok=false means somebody else holds it. On success the returned token
// must be presented to Release.
func (c *Coordinator) Acquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	now := time.Now().UTC()

	// Purge an expired row first so a crashed holder cannot block forever.
	if err := c.db.WithContext(ctx).
		Where("name = ? AND expires_at < ?", name, now).
		Delete(&models.Lock{}).Error; err != nil {
		return "", false, err
	}

	token = uuid.NewString()
	row := models.Lock{Name: name, Token: token, ExpiresAt: now.Add(ttl)}
	res := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return "", false, res.Error
	}
	if res.RowsAffected == 0 {
		// Row already present and unexpired: held by someone else.
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lease only if it is still held under token. A mismatch
// (the lease expired and was re-acquired) is a silent no-op — releasing must
// never destroy another holder's lease.
func (c *Coordinator) Release(ctx context.Context, name, token string) error {
	res := c.db.WithContext(ctx).
		Where("name = ? AND token = ?", name, token).
		Delete(&models.Lock{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		log.Printf("⚠️ [LOCK] Release of %q skipped: token no longer current", name)
	}
	return nil
}
