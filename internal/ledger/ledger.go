// Package ledger tracks the lifecycle of scrape runs and owns the
// append-only observation history recorded during them.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/HugoAlexis/car-scraping/internal/storage"
)

// Ledger manages Runs (Running -> Succeeded | Failed) and Observations.
type Ledger struct {
	store storage.Store
	log   *slog.Logger
}

// New creates a Ledger over the given store.
func New(store storage.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, log: logger}
}

// Begin creates a new Run with start timestamp now.
func (l *Ledger) Begin(ctx context.Context) (*storage.Run, error) {
	r := &storage.Run{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	if err := l.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	l.log.Info("run started", "run", r.ID)
	return r, nil
}

// Append records one Observation for (runID, listingID) inside the caller's
// transaction. It fails with ErrRunClosed when the run already reached a
// terminal state and with ErrDuplicateObservation when the pair was already
// observed during this run.
func (l *Ledger) Append(ctx context.Context, tx storage.Tx, runID, listingID string, labels *string, price *int64) error {
	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Finished() {
		return fmt.Errorf("%w: append to run %s", storage.ErrRunClosed, runID)
	}

	o := &storage.Observation{
		ID:         uuid.New().String(),
		RunID:      runID,
		ListingID:  listingID,
		Price:      price,
		Labels:     labels,
		ObservedAt: time.Now().UTC(),
	}
	return tx.InsertObservation(ctx, o)
}

// Complete transitions the run to Succeeded or Failed and sets the end
// timestamp. Terminal: completing an already-finished run returns
// ErrRunClosed, and the stored outcome is left untouched.
func (l *Ledger) Complete(ctx context.Context, runID string, ok bool, errorKind, errorMsg string) error {
	if err := l.store.CompleteRun(ctx, runID, ok, errorKind, errorMsg); err != nil {
		return err
	}
	l.log.Info("run completed", "run", runID, "ok", ok, "error_kind", errorKind)
	return nil
}
