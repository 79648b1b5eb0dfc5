// internal/attachments/pipeline.go
package attachments

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mirror-service/internal/store"
	"mirror-service/pkg/models"
)

// Fetcher retrieves one attachment body. The default implementation is a
// plain HTTP GET; tests substitute fakes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// Mirror receives a copy of every freshly downloaded file. Optional; mirror
// failures are logged, never counted — the local copy is authoritative.
type Mirror interface {
	MirrorFile(ctx context.Context, key, localPath string) error
}

// HTTPFetcher is the production Fetcher.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 5 * time.Minute}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Stats is the aggregate of one DownloadPending run.
type Stats struct {
	Downloaded int `json:"downloaded"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Pipeline downloads pending attachments with bounded concurrency and
// idempotent resume: a second run over unchanged data does zero fetches.
type Pipeline struct {
	store       *store.Store
	fetcher     Fetcher
	mirror      Mirror
	root        string
	concurrency int
}

func NewPipeline(st *store.Store, fetcher Fetcher, mirror Mirror, root string, concurrency int) *Pipeline {
	if concurrency < 1 {
		concurrency = 5
	}
	return &Pipeline{store: st, fetcher: fetcher, mirror: mirror, root: root, concurrency: concurrency}
}

// DownloadPending processes every not-yet-downloaded attachment in the slot
// in fixed-width waves. One item's failure never cancels its siblings; it is
// counted and the wave advances.
func (p *Pipeline) DownloadPending(ctx context.Context, slot models.Slot) (Stats, error) {
	var stats Stats

	pending, err := p.store.GetPendingAttachments(ctx, slot)
	if err != nil {
		return stats, fmt.Errorf("failed to list pending attachments: %w", err)
	}
	if len(pending) == 0 {
		return stats, nil
	}
	log.Printf("📎 [ATTACH] %d pending attachments (slot %s, concurrency %d)", len(pending), slot, p.concurrency)

	var mu sync.Mutex
	for start := 0; start < len(pending); start += p.concurrency {
		end := start + p.concurrency
		if end > len(pending) {
			end = len(pending)
		}
		wave := pending[start:end]

		var wg sync.WaitGroup
		for i := range wave {
			att := wave[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				downloaded, err := p.processOne(ctx, att)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					stats.Errors++
					log.Printf("⚠️ [ATTACH] %s/%s/%s failed: %v", att.Table, att.RecordID, att.Filename, err)
				case downloaded:
					stats.Downloaded++
				default:
					stats.Skipped++
				}
			}()
		}
		wg.Wait()
	}

	log.Printf("✅ [ATTACH] Done: %d downloaded, %d skipped, %d errors", stats.Downloaded, stats.Skipped, stats.Errors)
	return stats, nil
}

// processOne materializes a single attachment. Returns downloaded=false when
// an intact local copy made the network fetch unnecessary.
func (p *Pipeline) processOne(ctx context.Context, att models.Attachment) (bool, error) {
	path := LocalPath(p.root, att.Table, att.RecordID, att.FieldName, att.Filename, att.OriginalURL)

	if info, err := os.Stat(path); err == nil {
		if att.ExpectedSize > 0 && info.Size() == att.ExpectedSize {
			// Intact copy from a previous run; just record it.
			return false, p.store.MarkAttachmentDownloaded(ctx, att.ID, path, info.Size())
		}
		if att.ExpectedSize == 0 && info.Size() > 0 {
			return false, p.store.MarkAttachmentDownloaded(ctx, att.ID, path, info.Size())
		}
		// Truncated or corrupted earlier download.
		if err := os.Remove(path); err != nil {
			return false, fmt.Errorf("failed to remove stale file: %w", err)
		}
	}

	body, err := p.fetcher.Fetch(ctx, att.OriginalURL)
	if err != nil {
		return false, err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create directories: %w", err)
	}

	size, err := writeAtomic(path, body)
	if err != nil {
		return false, err
	}

	if err := p.store.MarkAttachmentDownloaded(ctx, att.ID, path, size); err != nil {
		return false, err
	}

	if p.mirror != nil {
		key, kerr := filepath.Rel(p.root, path)
		if kerr != nil {
			key = filepath.Base(path)
		}
		if merr := p.mirror.MirrorFile(ctx, filepath.ToSlash(key), path); merr != nil {
			log.Printf("⚠️ [ATTACH] Mirror upload of %s failed: %v", key, merr)
		}
	}
	return true, nil
}

// writeAtomic streams body to a temp file and renames it into place so a
// crashed download never leaves a plausible-looking partial file.
func writeAtomic(path string, body io.Reader) (int64, error) {
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	size, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return size, nil
}
