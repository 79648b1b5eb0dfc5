// internal/sync/full_refresh.go
package sync

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"mirror-service/internal/attachments"
	"mirror-service/internal/lock"
	"mirror-service/internal/source"
	"mirror-service/internal/store"
	"mirror-service/internal/version"
	"mirror-service/pkg/models"
)

// RefreshLockName serializes full refreshes process-wide and across process
// instances. Incremental reconciliation does not take it.
const RefreshLockName = "full-refresh"

// RefreshStats is the aggregate of one full refresh. Partial failures never
// raise; callers must inspect Errors.
type RefreshStats struct {
	Skipped     bool          `json:"skipped"`
	Tables      int           `json:"tables"`
	Records     int           `json:"records"`
	Attachments int           `json:"attachments"`
	Errors      int           `json:"errors"`
	Duration    time.Duration `json:"duration"`
}

// FullRefresh rebuilds the inactive slot entirely from the source, then flips
// the active pointer. Reads stay on the active slot for the whole run.
type FullRefresh struct {
	store       *store.Store
	versions    *version.Manager
	locks       *lock.Coordinator
	source      source.API
	attachments *attachments.Pipeline // nil disables the download pass

	batchSize int
	lockTTL   time.Duration
}

func NewFullRefresh(st *store.Store, vm *version.Manager, lc *lock.Coordinator, src source.API, ap *attachments.Pipeline, batchSize int, lockTTL time.Duration) *FullRefresh {
	if batchSize < 1 {
		batchSize = 50
	}
	return &FullRefresh{
		store:       st,
		versions:    vm,
		locks:       lc,
		source:      src,
		attachments: ap,
		batchSize:   batchSize,
		lockTTL:     lockTTL,
	}
}

// Run executes one full refresh. Lock contention is not a failure: the run is
// skipped and Stats.Skipped is set. Per-table and per-record faults are
// counted and the run continues; only infrastructure faults return an error,
// in which case no stats are usable and the active slot is unchanged.
func (f *FullRefresh) Run(ctx context.Context) (*RefreshStats, error) {
	stats := &RefreshStats{}
	started := time.Now()

	token, ok, err := f.locks.Acquire(ctx, RefreshLockName, f.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	if !ok {
		log.Println("⏭️ [REFRESH] Skipped: another refresh holds the lock")
		stats.Skipped = true
		return stats, nil
	}
	// Release with a fresh context so a cancelled run cannot leave the lock
	// to rot until TTL expiry.
	defer func() {
		if rerr := f.locks.Release(context.Background(), RefreshLockName, token); rerr != nil {
			log.Printf("⚠️ [REFRESH] Lock release failed: %v", rerr)
		}
	}()

	inactive := f.versions.Inactive()
	log.Printf("🔄 [REFRESH] Starting full refresh into slot %q", inactive)

	if err := f.versions.ClearInactive(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear inactive slot: %w", err)
	}

	tables, err := f.syncSchema(ctx, inactive)
	if err != nil {
		return nil, err
	}

	for _, t := range tables {
		// Cooperative stop between tables; in-flight table work always
		// runs to completion.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := NormalizeTableName(t.Name)
		records, err := f.source.ListRecords(ctx, t.ID)
		if err != nil {
			log.Printf("⚠️ [REFRESH] Table %q fetch failed, skipping this cycle: %v", t.Name, err)
			stats.Errors++
			continue
		}
		written, errs := f.writeTable(ctx, inactive, name, records)
		stats.Records += written
		stats.Errors += errs
		stats.Tables++
		log.Printf("📥 [REFRESH] Table %q: %d records written, %d errors", name, written, errs)
	}

	if f.attachments != nil {
		astats, err := f.attachments.DownloadPending(ctx, inactive)
		if err != nil {
			return nil, fmt.Errorf("attachment pass failed: %w", err)
		}
		stats.Attachments = astats.Downloaded
		stats.Errors += astats.Errors
	}

	if err := f.versions.Flip(ctx); err != nil {
		return nil, err
	}

	if err := f.store.SetLastRefreshTime(ctx, time.Now()); err != nil {
		log.Printf("⚠️ [REFRESH] Failed to record refresh time: %v", err)
	}

	stats.Duration = time.Since(started)
	log.Printf("✅ [REFRESH] Done in %s: %d tables, %d records, %d attachments, %d errors",
		stats.Duration.Round(time.Millisecond), stats.Tables, stats.Records, stats.Attachments, stats.Errors)
	return stats, nil
}

// syncSchema writes the table rows for the inactive slot and refreshes the
// global external-id mapping the reconciler depends on.
func (f *FullRefresh) syncSchema(ctx context.Context, slot models.Slot) ([]source.TableInfo, error) {
	tables, err := f.source.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schema: %w", err)
	}
	mappings := make([]models.SchemaMapping, 0, len(tables))
	for _, t := range tables {
		name := NormalizeTableName(t.Name)
		if err := f.store.UpsertTable(ctx, models.Table{
			Slot:           slot,
			ExternalID:     t.ID,
			DisplayName:    t.Name,
			NormalizedName: name,
		}); err != nil {
			return nil, fmt.Errorf("failed to write table %q: %w", name, err)
		}
		mappings = append(mappings, models.SchemaMapping{
			ExternalID:     t.ID,
			NormalizedName: name,
			DisplayName:    t.Name,
		})
	}
	if err := f.store.UpsertMappings(ctx, mappings); err != nil {
		return nil, fmt.Errorf("failed to sync table mappings: %w", err)
	}
	return tables, nil
}

// writeTable persists one table's records in fixed-size batches. A failed
// batch falls back to per-record writes so a single malformed record costs
// one error, not fifty records.
func (f *FullRefresh) writeTable(ctx context.Context, slot models.Slot, table string, records []source.RecordPayload) (written, errs int) {
	for start := 0; start < len(records); start += f.batchSize {
		end := start + f.batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := make([]store.RecordData, 0, end-start)
		for _, r := range records[start:end] {
			batch = append(batch, store.RecordData{ID: r.ID, Fields: r.Fields})
		}

		if err := f.store.SetRecordsBatch(ctx, slot, table, batch); err == nil {
			written += len(batch)
			continue
		}

		for _, rec := range batch {
			if err := f.store.SetRecord(ctx, slot, table, rec); err != nil {
				log.Printf("⚠️ [REFRESH] Record %s/%s dropped this cycle: %v", table, rec.ID, err)
				errs++
				continue
			}
			written++
		}
	}
	return written, errs
}

// NormalizeTableName derives the stable lookup key from a display name.
func NormalizeTableName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
