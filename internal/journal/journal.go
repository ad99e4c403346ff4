// Package journal records dropped messages in the sqlite database so
// operators can inspect them after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"melink/internal/mpio"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

var (
	MetricJournalWritten  = []string{"melink", "journal", "written"}
	MetricJournalOverflow = []string{"melink", "journal", "overflow"}
	MetricJournalFailed   = []string{"melink", "journal", "write", "failed"}
)

var ErrClosed = errors.New("journal is closed")

type Options struct {
	// QueueSize bounds the events waiting for the writer. Events beyond it
	// are counted and discarded.
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
	MetricSink    metrics.MetricSink
}

// Journal implements mpio.DropObserver. MessageDropped only queues the
// event; a single writer goroutine stores queued events in batches.
type Journal struct {
	db        *sql.DB
	opts      Options
	logger    *slog.Logger
	msink     metrics.MetricSink
	writeChan chan mpio.DropEvent
	stopChan  chan struct{}
	done      chan struct{}

	started  atomic.Bool
	closed   atomic.Bool
	overflow atomic.Uint64
}

var _ mpio.DropObserver = (*Journal)(nil)

func New(db *sql.DB, opts Options) *Journal {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MetricSink == nil {
		opts.MetricSink = &metrics.BlackholeSink{}
	}
	return &Journal{
		db:        db,
		opts:      opts,
		logger:    opts.Logger,
		msink:     opts.MetricSink,
		writeChan: make(chan mpio.DropEvent, opts.QueueSize),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// MessageDropped queues ev without blocking.
func (j *Journal) MessageDropped(ev mpio.DropEvent) {
	if j.closed.Load() {
		return
	}
	select {
	case j.writeChan <- ev:
	default:
		if j.overflow.Add(1)%1000 == 1 {
			j.logger.Warn("journal_queue_full",
				"queue_size", cap(j.writeChan),
				"overflowed", j.overflow.Load(),
			)
		}
		j.msink.IncrCounter(MetricJournalOverflow, 1)
	}
}

// Overflowed is the number of events discarded because the queue was full.
func (j *Journal) Overflowed() uint64 {
	return j.overflow.Load()
}

// Start runs the batch writer until ctx is done or Close is called.
func (j *Journal) Start(ctx context.Context) {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	go j.run(ctx)
}

func (j *Journal) run(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]mpio.DropEvent, 0, j.opts.BatchSize)
	j.logger.Info("journal_writer_started",
		"interval", j.opts.FlushInterval.String(),
		"batch_size", j.opts.BatchSize,
	)

	for {
		select {
		case <-ctx.Done():
			j.drain(batch)
			return
		case <-j.stopChan:
			j.drain(batch)
			return
		case ev := <-j.writeChan:
			batch = append(batch, ev)
			if len(batch) >= j.opts.BatchSize {
				j.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				j.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// drain writes what is queued at shutdown.
func (j *Journal) drain(batch []mpio.DropEvent) {
	for {
		select {
		case ev := <-j.writeChan:
			batch = append(batch, ev)
			if len(batch) >= j.opts.BatchSize {
				j.flushBatch(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				j.flushBatch(batch)
			}
			j.logger.Info("journal_writer_stopped")
			return
		}
	}
}

func (j *Journal) flushBatch(batch []mpio.DropEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := j.insert(ctx, batch); err != nil {
		j.msink.IncrCounter(MetricJournalFailed, float32(len(batch)))
		j.logger.Error("journal_batch_insert_failed",
			"count", len(batch),
			"error", err.Error(),
		)
		return
	}
	j.msink.IncrCounter(MetricJournalWritten, float32(len(batch)))
	j.logger.Debug("journal_batch_insert_success",
		"count", len(batch),
	)
}

// insert stores a batch in a single transaction.
func (j *Journal) insert(ctx context.Context, batch []mpio.DropEvent) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO drop_events
			(at, reason, class, control_type, protocol, source_engine, target_engine, destination, stream_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		_, err = stmt.ExecContext(ctx,
			ev.At.UnixNano(),
			string(ev.Reason),
			int(ev.Class),
			int(ev.ControlType),
			int(ev.Protocol),
			engineText(ev.Source),
			engineText(ev.Target),
			uuidText(ev.Destination),
			uuidText(ev.StreamID),
			ev.Detail,
		)
		if err != nil {
			return fmt.Errorf("failed to insert drop event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Recent returns the newest events first. An empty reason matches all.
func (j *Journal) Recent(ctx context.Context, limit int, reason mpio.DropReason) ([]mpio.DropEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT at, reason, class, control_type, protocol, source_engine, target_engine, destination, stream_id, detail
		FROM drop_events`
	args := []any{}
	if reason != "" {
		query += ` WHERE reason = ?`
		args = append(args, string(reason))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query drop events: %w", err)
	}
	defer rows.Close()

	events := make([]mpio.DropEvent, 0, limit)
	for rows.Next() {
		var (
			at                           int64
			reasonText                   string
			class, control, protocol     int
			source, target, dest, stream string
			detail                       string
		)
		if err := rows.Scan(&at, &reasonText, &class, &control, &protocol, &source, &target, &dest, &stream, &detail); err != nil {
			return nil, fmt.Errorf("scan drop event: %w", err)
		}
		ev := mpio.DropEvent{
			At:          time.Unix(0, at).UTC(),
			Reason:      mpio.DropReason(reasonText),
			Class:       mpio.Class(class),
			ControlType: mpio.ControlType(control),
			Protocol:    mpio.ProtocolType(protocol),
			Detail:      detail,
		}
		ev.Source, _ = parseEngine(source)
		ev.Target, _ = parseEngine(target)
		ev.Destination, _ = parseUUID(dest)
		ev.StreamID, _ = parseUUID(stream)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Summary counts events per reason since the given time.
func (j *Journal) Summary(ctx context.Context, since time.Time) (map[mpio.DropReason]int64, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT reason, COUNT(*) FROM drop_events WHERE at >= ? GROUP BY reason`,
		since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("summarize drop events: %w", err)
	}
	defer rows.Close()

	out := make(map[mpio.DropReason]int64)
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[mpio.DropReason(reason)] = n
	}
	return out, rows.Err()
}

// Prune deletes events older than before.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM drop_events WHERE at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune drop events: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the writer after flushing queued events. It does not close
// the database.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(j.stopChan)
	if !j.started.Load() {
		return nil
	}
	select {
	case <-j.done:
		return nil
	case <-time.After(15 * time.Second):
		return errors.New("journal writer did not stop in time")
	}
}

func engineText(id mpio.EngineID) string {
	if id.IsZero() {
		return ""
	}
	return id.String()
}

func uuidText(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func parseEngine(s string) (mpio.EngineID, error) {
	if s == "" {
		return mpio.EngineID{}, nil
	}
	return mpio.ParseEngineID(s)
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}
