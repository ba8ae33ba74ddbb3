package engine

import (
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/memcore/memcore/internal/logging"
)

// AccessTracker implements the Access Tracker (C5): a fractional
// accumulator that batches per-memory access increments in memory and
// flushes them to memory_index.access_count once the accumulated
// fraction crosses a threshold, grounded on internal/ratelimit's
// mutex-guarded float accumulator-with-refill shape (refill becomes
// accumulate, capacity becomes flush threshold).
type AccessTracker struct {
	store *Store
	log   *logging.Logger

	increment      float64
	flushThreshold float64

	mu          sync.Mutex
	accumulated map[int64]float64

	shutdownOnce sync.Once
	shutdownCh   chan os.Signal
	stopCh       chan struct{}
}

// NewAccessTracker constructs an AccessTracker bound to store. increment
// is the fractional amount added per TrackAccess call; flushThreshold is
// the accumulated value at which a memory's count is flushed to the
// database.
func NewAccessTracker(store *Store, increment, flushThreshold float64) *AccessTracker {
	if increment <= 0 {
		increment = 0.1
	}
	if flushThreshold <= 0 {
		flushThreshold = 0.5
	}
	return &AccessTracker{
		store:          store,
		log:            logging.GetLogger("access"),
		increment:      increment,
		flushThreshold: flushThreshold,
		accumulated:    make(map[int64]float64),
	}
}

// TrackAccess accumulates one access against memoryID, flushing
// immediately to the database when the accumulated fraction reaches the
// flush threshold.
func (at *AccessTracker) TrackAccess(memoryID int64) error {
	at.mu.Lock()
	at.accumulated[memoryID] += at.increment
	crossed := at.accumulated[memoryID] >= at.flushThreshold
	var toFlush float64
	if crossed {
		toFlush = at.accumulated[memoryID]
		at.accumulated[memoryID] = 0
	}
	at.mu.Unlock()

	if !crossed {
		return nil
	}
	return at.flushOne(memoryID, toFlush)
}

func (at *AccessTracker) flushOne(memoryID int64, amount float64) error {
	whole := int(math.Floor(amount))
	if whole <= 0 {
		whole = 1
	}
	_, err := at.store.db.Exec(`
		UPDATE memory_index SET access_count = access_count + ?, last_accessed = CURRENT_TIMESTAMP
		WHERE id = ?
	`, whole, memoryID)
	if err != nil {
		at.log.Error("failed to flush access count", "memory_id", memoryID, "error", err)
		return err
	}
	return nil
}

// FlushAccessCounts flushes every accumulated fraction to the database
// regardless of threshold, used on shutdown and by explicit callers.
func (at *AccessTracker) FlushAccessCounts() error {
	at.mu.Lock()
	pending := at.accumulated
	at.accumulated = make(map[int64]float64)
	at.mu.Unlock()

	tx, err := at.store.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE memory_index SET access_count = access_count + ?, last_accessed = CURRENT_TIMESTAMP WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for memoryID, amount := range pending {
		if amount <= 0 {
			continue
		}
		whole := int(math.Ceil(amount / at.increment))
		if whole <= 0 {
			continue
		}
		if _, err := stmt.Exec(whole, memoryID); err != nil {
			at.log.Error("failed to flush access count", "memory_id", memoryID, "error", err)
			return err
		}
	}

	return tx.Commit()
}

// PopularityScore returns log10(count+1)/3 clamped to [0,1], per spec.md
// §4.5's popularity formula.
func PopularityScore(accessCount int) float64 {
	score := math.Log10(float64(accessCount)+1) / 3
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// RegisterShutdownHooks installs a SIGINT/SIGTERM handler that flushes
// accumulated access counts once and then exits the process with status
// 128 plus the signal number, following the
// teacher daemon's signal-aware lifecycle. Safe to call once; a second
// call is a no-op. Callers that manage their own signal handling should
// call FlushAccessCounts directly instead.
func (at *AccessTracker) RegisterShutdownHooks() {
	at.shutdownOnce.Do(func() {
		at.shutdownCh = make(chan os.Signal, 1)
		at.stopCh = make(chan struct{})
		signal.Notify(at.shutdownCh, os.Interrupt, syscall.SIGTERM)

		go func() {
			select {
			case sig := <-at.shutdownCh:
				at.log.Info("shutdown signal received, flushing access counts")
				if err := at.FlushAccessCounts(); err != nil {
					at.log.Error("failed to flush access counts on shutdown", "error", err)
				}
				signal.Stop(at.shutdownCh)
				if s, ok := sig.(syscall.Signal); ok {
					os.Exit(128 + int(s))
				}
				os.Exit(1)
			case <-at.stopCh:
			}
		}()
	})
}

// UnregisterShutdownHooks stops the signal handler goroutine and resets
// state so RegisterShutdownHooks can be called again. Idempotent.
func (at *AccessTracker) UnregisterShutdownHooks() {
	at.mu.Lock()
	defer at.mu.Unlock()

	if at.shutdownCh != nil {
		signal.Stop(at.shutdownCh)
		close(at.stopCh)
	}
	at.shutdownOnce = sync.Once{}
	at.shutdownCh = nil
	at.stopCh = nil
}
