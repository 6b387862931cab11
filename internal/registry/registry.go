// Package registry maps (website, site-local identifier) pairs to stable
// internal Listing entities, creating them on first sight and reusing them
// across runs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/HugoAlexis/car-scraping/internal/storage"
)

// Registry registers and enriches Listings inside a caller-owned
// transaction. The caller must hold the (website, siteIdentifier) lock.
type Registry struct {
	log *slog.Logger
}

// New creates a Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{log: logger}
}

// Register returns the Listing for (website, siteIdentifier), creating it on
// first sight bound to versionID. On subsequent sights the existing binding
// is kept unless the new resolution carries strictly more complete
// specification data; a contradictory re-submission within the same run is
// rejected with ErrIdentityConflict.
func (g *Registry) Register(ctx context.Context, tx storage.Tx, runID, website, siteIdentifier, versionID string, imageRef *string) (listing *storage.Listing, created bool, err error) {
	l, err := tx.ListingBySite(ctx, website, siteIdentifier)
	if errors.Is(err, storage.ErrNotFound) {
		now := time.Now().UTC()
		l = &storage.Listing{
			ID:             uuid.New().String(),
			Website:        website,
			SiteIdentifier: siteIdentifier,
			VersionID:      &versionID,
			ImageRef:       imageRef,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertListing(ctx, l); err != nil {
			return nil, false, err
		}
		g.log.Debug("registered listing", "id", l.ID, "website", website, "site_identifier", siteIdentifier)
		return l, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	changed := false
	if l.ImageRef == nil && imageRef != nil {
		l.ImageRef = imageRef
		changed = true
	}

	switch {
	case l.VersionID == nil:
		// Previously unresolved listing: bind it now.
		l.VersionID = &versionID
		changed = true
	case *l.VersionID != versionID:
		rebound, err := g.reconcile(ctx, tx, runID, l, versionID)
		if err != nil {
			return nil, false, err
		}
		changed = changed || rebound
	}

	if changed {
		l.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateListing(ctx, l); err != nil {
			return nil, false, err
		}
	}
	return l, false, nil
}

// reconcile decides what to do when a listing resolves to a different
// Version than the one it is bound to. The binding moves only when the new
// resolution is strictly more complete; a contradiction of core identity
// within the same run is rejected outright.
func (g *Registry) reconcile(ctx context.Context, tx storage.Tx, runID string, l *storage.Listing, newVersionID string) (rebound bool, err error) {
	oldV, err := tx.VersionByID(ctx, *l.VersionID)
	if err != nil {
		return false, err
	}
	newV, err := tx.VersionByID(ctx, newVersionID)
	if err != nil {
		return false, err
	}

	if oldV.IdentityKey != newV.IdentityKey {
		seen, err := tx.ObservationExists(ctx, runID, l.ID)
		if err != nil {
			return false, err
		}
		if seen {
			return false, fmt.Errorf("%w: listing %s/%s submitted twice in one run with identities %q and %q",
				storage.ErrIdentityConflict, l.Website, l.SiteIdentifier, oldV.IdentityKey, newV.IdentityKey)
		}
	}

	if newV.Detail.Completeness() > oldV.Detail.Completeness() {
		// Re-resolution path: the car was re-listed with corrected,
		// strictly richer specs.
		g.log.Info("rebinding listing", "listing", l.ID, "from", oldV.ID, "to", newV.ID)
		l.VersionID = &newVersionID
		return true, nil
	}

	g.log.Warn("version binding kept", "listing", l.ID, "bound", oldV.ID, "resolved", newV.ID)
	flag := &storage.ReviewFlag{
		ID:        uuid.New().String(),
		Kind:      storage.FlagVersionMismatch,
		SubjectID: l.ID,
		Note:      fmt.Sprintf("listing bound to version %s but resolved to %s", oldV.ID, newV.ID),
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.InsertReviewFlag(ctx, flag); err != nil {
		return false, err
	}
	return false, nil
}

// Enrich overwrites the listing's enrichment snapshot with the latest
// values. Enrichment fields are mutable snapshots, not historical facts;
// absent fields mean "unknown" and leave the stored value alone.
func (g *Registry) Enrich(ctx context.Context, tx storage.Tx, l *storage.Listing, city *string, odometer *int, imagePath, reportPath *string) error {
	changed := false
	if city != nil && (l.City == nil || *l.City != *city) {
		l.City = city
		changed = true
	}
	if odometer != nil && (l.Odometer == nil || *l.Odometer != *odometer) {
		l.Odometer = odometer
		changed = true
	}
	if imagePath != nil && (l.ImagePath == nil || *l.ImagePath != *imagePath) {
		l.ImagePath = imagePath
		changed = true
	}
	if reportPath != nil && (l.ReportPath == nil || *l.ReportPath != *reportPath) {
		l.ReportPath = reportPath
		changed = true
	}
	if !changed {
		return nil
	}

	l.UpdatedAt = time.Now().UTC()
	return tx.UpdateListing(ctx, l)
}
