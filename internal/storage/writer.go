package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chart-exec-sandbox/internal/sandbox"
)

// RunLogger persists one chart run. *DB implements it.
type RunLogger interface {
	LogRun(ctx context.Context, run *ChartRun, events []SecurityEventRecord) error
}

type auditEntry struct {
	run    *ChartRun
	events []SecurityEventRecord
}

// AuditWriter buffers run records and writes them to the store in the
// background. It implements sandbox.RunRecorder.
type AuditWriter struct {
	db        RunLogger
	ch        chan auditEntry
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	backoff   time.Duration
}

var _ sandbox.RunRecorder = (*AuditWriter)(nil)

func NewAuditWriter(db RunLogger, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:      db,
		ch:      make(chan auditEntry, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// RecordRun queues rec for writing. It never blocks; when the buffer is full
// the entry is dropped with a warning.
func (w *AuditWriter) RecordRun(rec *sandbox.RunRecord) {
	run, events := FromRecord(rec)
	select {
	case w.ch <- auditEntry{run: run, events: events}:
	default:
		log.Warn().Str("run_id", run.RunID).Msg("audit buffer full, dropping log entry")
	}
}

// Flush stops the writer and waits up to timeout for queued entries.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.closeOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case e := <-w.ch:
			w.writeWithRetry(e)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case e := <-w.ch:
					w.writeWithRetry(e)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(e auditEntry) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.LogRun(ctx, e.run, e.events)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("run_id", e.run.RunID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("run_id", e.run.RunID).
				Msg("audit write failed permanently after retries")
		}
	}
}
