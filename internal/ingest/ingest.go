// Package ingest orchestrates the ingestion of raw listing records into the
// durable store: per record it resolves the canonical Version, registers the
// Listing and appends the run Observation inside a single transaction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/HugoAlexis/car-scraping/internal/ledger"
	"github.com/HugoAlexis/car-scraping/internal/metrics"
	"github.com/HugoAlexis/car-scraping/internal/registry"
	"github.com/HugoAlexis/car-scraping/internal/resolver"
	"github.com/HugoAlexis/car-scraping/internal/storage"
	"github.com/HugoAlexis/car-scraping/pkg/keylock"
)

// Config provides parameters for the Coordinator.
type Config struct {
	Store storage.Store
	// Workers caps how many records are processed concurrently (default 4).
	Workers int
	// LockWait bounds how long a record may wait on a contended identity
	// key before being skipped (default 5s).
	LockWait time.Duration
	Logger   *slog.Logger
}

// Coordinator processes batches of raw records for one open Run. Records
// touching unrelated identities ingest fully in parallel; writes to a shared
// Version or Listing identity are serialized through keyed locks.
type Coordinator struct {
	store    storage.Store
	locks    *keylock.Map
	resolver *resolver.Resolver
	registry *registry.Registry
	ledger   *ledger.Ledger
	validate *validator.Validate
	log      *slog.Logger
	workers  int
	lockWait time.Duration
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		store:    cfg.Store,
		locks:    keylock.New(),
		resolver: resolver.New(cfg.Logger),
		registry: registry.New(cfg.Logger),
		ledger:   ledger.New(cfg.Store, cfg.Logger),
		validate: validator.New(),
		log:      cfg.Logger,
		workers:  cfg.Workers,
		lockWait: cfg.LockWait,
	}
}

// Ledger exposes the run ledger so callers can open and complete runs.
func (c *Coordinator) Ledger() *ledger.Ledger {
	return c.ledger
}

// Ingest processes a batch of raw records for the open run runID. Per-record
// failures are counted in the report and never abort the batch; only
// run-level conditions (storage loss, cancellation, a closed run) return an
// error, and then the caller must complete the run as Failed.
func (c *Coordinator) Ingest(ctx context.Context, runID string, records []RawRecord) (*Report, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Finished() {
		return nil, fmt.Errorf("%w: ingest into run %s", storage.ErrRunClosed, runID)
	}

	rep := &Report{}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range records {
		rec := &records[i]
		g.Go(func() error {
			return c.process(gctx, runID, rec, rep)
		})
	}
	err = g.Wait()
	metrics.BatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", storage.ErrCancelled, err)
		}
		return rep, err
	}
	c.log.Info("batch ingested",
		"run", runID,
		"records", len(records),
		"appended", rep.Appended,
		"skipped", rep.Skipped(),
	)
	return rep, nil
}

// IngestRun opens a fresh run, ingests the batch, and always drives the run
// to a terminal state: Succeeded (possibly with skips surfaced in the error
// message) or Failed with a classified reason.
func (c *Coordinator) IngestRun(ctx context.Context, records []RawRecord) (*storage.Run, *Report, error) {
	run, err := c.ledger.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}

	rep, err := c.Ingest(ctx, run.ID, records)
	if err != nil {
		// Complete even when ctx is cancelled; the run must not stay
		// Running after the process exits.
		kind := storage.Kind(err)
		if cErr := c.ledger.Complete(context.WithoutCancel(ctx), run.ID, false, kind, err.Error()); cErr != nil {
			c.log.Error("failed to close run", "run", run.ID, "error", cErr)
		}
		metrics.RecordRun(false)
		return run, rep, err
	}

	msg := ""
	if rep.Skipped() > 0 {
		msg = fmt.Sprintf("%d records skipped (%d malformed, %d duplicate, %d conflict, %d busy)",
			rep.Skipped(), rep.SkippedMalformed, rep.SkippedDuplicate, rep.SkippedConflict, rep.SkippedBusy)
	}
	if err := c.ledger.Complete(ctx, run.ID, true, "", msg); err != nil {
		return run, rep, err
	}
	metrics.RecordRun(true)
	return run, rep, nil
}

// process ingests one raw record: validate, lock its identity keys, then
// resolve, register and append inside one transaction. Returning a non-nil
// error cancels the whole batch, so only run-level conditions do.
func (c *Coordinator) process(ctx context.Context, runID string, rec *RawRecord, rep *Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.validate.Struct(rec); err != nil {
		c.skipMalformed(rep, rec, err)
		return nil
	}
	spec := rec.spec()
	if err := spec.Validate(); err != nil {
		c.skipMalformed(rep, rec, err)
		return nil
	}

	keys := []string{
		"version:" + spec.IdentityKey(),
		"listing:" + rec.Website + "|" + rec.SiteIdentifier,
	}
	release, err := c.locks.AcquireAll(ctx, keys, c.lockWait)
	if errors.Is(err, keylock.ErrWaitExpired) {
		c.log.Warn("identity lock wait expired", "website", rec.Website, "site_identifier", rec.SiteIdentifier)
		metrics.LockWaitTimeouts.Inc()
		metrics.RecordOutcome(rec.Website, metrics.OutcomeBusy)
		rep.add(func(r *Report) { r.SkippedBusy++ })
		return nil
	}
	if err != nil {
		return err
	}
	defer release()

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return err
	}
	// Rollback is a no-op once the transaction committed.
	defer tx.Rollback(context.WithoutCancel(ctx))

	versionID, versionCreated, err := c.resolver.Resolve(ctx, tx, spec)
	if err != nil {
		return c.recordFailure(rep, rec, err)
	}

	listing, listingCreated, err := c.registry.Register(ctx, tx, runID, rec.Website, rec.SiteIdentifier, versionID, rec.ImageURL)
	if err != nil {
		return c.recordFailure(rep, rec, err)
	}

	if e := rec.Enrichment; e != nil {
		if err := c.registry.Enrich(ctx, tx, listing, e.City, e.Odometer, e.ImagePath, e.ReportPath); err != nil {
			return c.recordFailure(rep, rec, err)
		}
	}

	duplicate := false
	if err := c.ledger.Append(ctx, tx, runID, listing.ID, rec.Labels, rec.Price); err != nil {
		if !errors.Is(err, storage.ErrDuplicateObservation) {
			// RunClosed and storage errors are fatal to the batch.
			return err
		}
		// Idempotent re-ingest: the observation already exists, but the
		// Version/Listing enrichment from this record is still committed.
		duplicate = true
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	rep.add(func(r *Report) {
		if versionCreated {
			r.NewVersions++
		} else {
			r.MatchedVersions++
		}
		if listingCreated {
			r.NewListings++
		} else {
			r.SeenListings++
		}
		if duplicate {
			r.SkippedDuplicate++
		} else {
			r.Appended++
		}
	})
	if duplicate {
		metrics.RecordOutcome(rec.Website, metrics.OutcomeDuplicate)
	} else {
		metrics.RecordOutcome(rec.Website, metrics.OutcomeAppended)
	}
	return nil
}

func (c *Coordinator) skipMalformed(rep *Report, rec *RawRecord, err error) {
	c.log.Warn("malformed record skipped",
		"website", rec.Website,
		"site_identifier", rec.SiteIdentifier,
		"error", err,
	)
	metrics.RecordOutcome(rec.Website, metrics.OutcomeMalformed)
	rep.add(func(r *Report) { r.SkippedMalformed++ })
}

// recordFailure classifies an error from the per-record pipeline: recoverable
// kinds are counted and swallowed, everything else fails the batch.
func (c *Coordinator) recordFailure(rep *Report, rec *RawRecord, err error) error {
	switch {
	case errors.Is(err, storage.ErrMalformedSpec):
		c.skipMalformed(rep, rec, err)
		return nil
	case errors.Is(err, storage.ErrIdentityConflict):
		c.log.Warn("identity conflict rejected",
			"website", rec.Website,
			"site_identifier", rec.SiteIdentifier,
			"error", err,
		)
		metrics.RecordOutcome(rec.Website, metrics.OutcomeConflict)
		rep.add(func(r *Report) { r.SkippedConflict++ })
		return nil
	default:
		return err
	}
}
