// internal/sync/worker.go
package sync

import (
	"context"
	"log"
	"time"

	"mirror-service/internal/store"
)

// Alerter is notified when a scheduled refresh fails or reports errors.
// Optional; the email sender implements it.
type Alerter interface {
	SendRefreshAlert(stats *RefreshStats, runErr error)
}

// workerMsg is the closed message union the worker actor accepts. Anything
// else is rejected explicitly.
type workerMsg interface {
	isWorkerMsg()
}

type refreshStartMsg struct {
	reply chan RefreshOutcome
}

type refreshStopMsg struct {
	reply chan struct{}
}

type statsGetMsg struct {
	reply chan WorkerStatus
}

func (refreshStartMsg) isWorkerMsg() {}
func (refreshStopMsg) isWorkerMsg()  {}
func (statsGetMsg) isWorkerMsg()     {}

// RefreshOutcome answers a start request.
type RefreshOutcome struct {
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
}

// WorkerStatus answers a stats request.
type WorkerStatus struct {
	Running     bool          `json:"running"`
	Stopped     bool          `json:"stopped"`
	LastRun     *time.Time    `json:"last_run,omitempty"`
	LastRefresh *RefreshStats `json:"last_refresh,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

type refreshDone struct {
	stats *RefreshStats
	err   error
}

// Worker is the background refresh actor. All state lives in the loop
// goroutine; callers talk to it only through typed messages. A stop is
// cooperative: it prevents new refreshes from starting but never aborts
// in-flight work.
type Worker struct {
	refresh  *FullRefresh
	store    *store.Store
	alerter  Alerter
	interval time.Duration
	failsafe time.Duration

	msgs chan workerMsg
}

func NewWorker(fr *FullRefresh, st *store.Store, alerter Alerter, interval, failsafe time.Duration) *Worker {
	return &Worker{
		refresh:  fr,
		store:    st,
		alerter:  alerter,
		interval: interval,
		failsafe: failsafe,
		msgs:     make(chan workerMsg),
	}
}

// Start launches the actor loop. It exits when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

// TriggerRefresh asks the actor to start a full refresh now.
func (w *Worker) TriggerRefresh(ctx context.Context) (RefreshOutcome, error) {
	msg := refreshStartMsg{reply: make(chan RefreshOutcome, 1)}
	select {
	case w.msgs <- msg:
	case <-ctx.Done():
		return RefreshOutcome{}, ctx.Err()
	}
	select {
	case out := <-msg.reply:
		return out, nil
	case <-ctx.Done():
		return RefreshOutcome{}, ctx.Err()
	}
}

// Stop blocks new refreshes from starting. In-flight work runs to completion.
func (w *Worker) Stop(ctx context.Context) error {
	msg := refreshStopMsg{reply: make(chan struct{}, 1)}
	select {
	case w.msgs <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-msg.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status snapshots the actor state.
func (w *Worker) Status(ctx context.Context) (WorkerStatus, error) {
	msg := statsGetMsg{reply: make(chan WorkerStatus, 1)}
	select {
	case w.msgs <- msg:
	case <-ctx.Done():
		return WorkerStatus{}, ctx.Err()
	}
	select {
	case st := <-msg.reply:
		return st, nil
	case <-ctx.Done():
		return WorkerStatus{}, ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	failsafeTicker := time.NewTicker(w.failsafe / 4)
	defer failsafeTicker.Stop()

	var (
		running   bool
		stopped   bool
		lastRun   *time.Time
		lastStats *RefreshStats
		lastErr   error
	)
	done := make(chan refreshDone, 1)

	start := func(scheduled bool) RefreshOutcome {
		if stopped {
			return RefreshOutcome{Queued: false, Reason: "worker stopped"}
		}
		if running {
			return RefreshOutcome{Queued: false, Reason: "refresh already running"}
		}
		running = true
		go func() {
			stats, err := w.refresh.Run(ctx)
			done <- refreshDone{stats: stats, err: err}
		}()
		if scheduled {
			log.Println("⏰ [WORKER] Scheduled refresh started")
		}
		return RefreshOutcome{Queued: true}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case d := <-done:
			running = false
			now := time.Now()
			lastRun = &now
			lastStats = d.stats
			lastErr = d.err
			if w.alerter != nil && (d.err != nil || (d.stats != nil && d.stats.Errors > 0)) {
				w.alerter.SendRefreshAlert(d.stats, d.err)
			}
			if d.err != nil {
				log.Printf("❌ [WORKER] Refresh failed: %v", d.err)
			}

		case <-ticker.C:
			start(true)

		case <-failsafeTicker.C:
			last, err := w.store.LastRefreshTime(ctx)
			if err != nil {
				log.Printf("⚠️ [WORKER] Failsafe check failed: %v", err)
				continue
			}
			if last.IsZero() || time.Since(last) > w.failsafe {
				log.Printf("🚨 [WORKER] Failsafe: no successful refresh within %s, forcing one", w.failsafe)
				start(true)
			}

		case msg := <-w.msgs:
			switch m := msg.(type) {
			case refreshStartMsg:
				m.reply <- start(false)
			case refreshStopMsg:
				stopped = true
				log.Println("🛑 [WORKER] Stopped: no new refreshes will start")
				m.reply <- struct{}{}
			case statsGetMsg:
				st := WorkerStatus{Running: running, Stopped: stopped, LastRun: lastRun, LastRefresh: lastStats}
				if lastErr != nil {
					st.LastError = lastErr.Error()
				}
				m.reply <- st
			default:
				// Closed union: anything else is a programming error.
				log.Printf("❌ [WORKER] Rejecting unrecognized message type %T", m)
			}
		}
	}
}
