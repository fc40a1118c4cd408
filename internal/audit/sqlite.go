package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/db"
	"github.com/g960059/islandd/internal/model"
)

const (
	bufferSize    = 1024
	flushInterval = 100 * time.Millisecond
	flushBatch    = 128
	flushTimeout  = 5 * time.Second
)

// SQLiteWriter buffers records and inserts them in batches from a
// background goroutine.
type SQLiteWriter struct {
	store     *db.Store
	buffer    chan *model.DecisionRecord
	done      chan struct{}
	flushed   chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func NewSQLiteWriter(store *db.Store, logger *zap.Logger) *SQLiteWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &SQLiteWriter{
		store:   store,
		buffer:  make(chan *model.DecisionRecord, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger.Named("audit"),
	}
	go w.flushLoop()
	return w
}

func (w *SQLiteWriter) Write(r *model.DecisionRecord) {
	if r == nil {
		return
	}
	select {
	case <-w.done:
		w.logger.Warn("audit writer closed, dropping record", zap.String("decision_id", r.DecisionID))
		return
	default:
	}
	select {
	case w.buffer <- r:
	default:
		w.logger.Warn("audit buffer full, dropping record",
			zap.String("decision_id", r.DecisionID),
			zap.String("session_id", r.SessionID),
		)
	}
}

// Close flushes buffered records and stops the writer. It does not close
// the store.
func (w *SQLiteWriter) Close() {
	w.closeOnce.Do(func() { close(w.done) })
	<-w.flushed
}

func (w *SQLiteWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*model.DecisionRecord, 0, flushBatch)
	for {
		select {
		case r := <-w.buffer:
			batch = append(batch, r)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
		drain:
			for {
				select {
				case r := <-w.buffer:
					batch = append(batch, r)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *SQLiteWriter) flush(batch []*model.DecisionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := w.store.InsertDecisions(ctx, batch); err != nil {
		w.logger.Error("audit flush failed", zap.Error(err), zap.Int("records", len(batch)))
		return
	}
	w.logger.Debug("audit flushed", zap.Int("records", len(batch)))
}
