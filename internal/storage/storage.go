// Package storage defines the persisted entities of the ingestion engine and
// the Store/Tx interfaces its components operate on. Two backends implement
// them: postgres (pgx) for production and sqlite for local runs and tests.
package storage

import (
	"context"
	"time"
)

// Version is one canonical vehicle configuration, shared by every listing
// that advertises the same car. The identity tuple (brand, model, version
// name, year) is carried redundantly as IdentityKey in normalized form so
// candidates can be looked up with a single indexed query.
type Version struct {
	ID                 string
	Brand              string
	Model              string
	VersionName        string
	Year               int
	BodyStyle          *string
	EngineDisplacement *string
	TransmissionType   *string
	IdentityKey        string
	CreatedAt          time.Time

	// Detail is the optional 1:1 extended record. Nil when the source
	// never supplied extended specification data.
	Detail *VersionDetail
}

// VersionDetail holds the extended specification attributes of a Version.
// Every field is optional; nil means the sources have not reported it yet.
// Fields are only ever filled in, never overwritten (enrichment-only rule).
type VersionDetail struct {
	VersionID        string
	MileageClass     *string
	Cylinders        *int
	Gears            *int
	FuelRange        *string
	EngineType       *string
	FuelType         *string
	Horsepower       *int
	WheelSize        *int
	WheelMaterial    *string
	Doors            *int
	Passengers       *int
	Airbags          *int
	ABS              *bool
	StabilityControl *bool
	AirConditioning  *bool
	WeightKG         *float64
}

// Completeness counts the populated fields of the detail record. It is the
// tie-break score when several Versions satisfy the compatibility rule, and
// the measure behind the "strictly more complete" rebind policy.
func (d *VersionDetail) Completeness() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, set := range []bool{
		d.MileageClass != nil,
		d.Cylinders != nil,
		d.Gears != nil,
		d.FuelRange != nil,
		d.EngineType != nil,
		d.FuelType != nil,
		d.Horsepower != nil,
		d.WheelSize != nil,
		d.WheelMaterial != nil,
		d.Doors != nil,
		d.Passengers != nil,
		d.Airbags != nil,
		d.ABS != nil,
		d.StabilityControl != nil,
		d.AirConditioning != nil,
		d.WeightKG != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Listing is one vehicle-for-sale entity, unique per (website, site-local
// identifier). VersionID stays nil until resolution succeeds; an unresolved
// Listing is a valid terminal state, not a defect.
type Listing struct {
	ID             string
	Website        string
	SiteIdentifier string
	VersionID      *string
	ImageRef       *string

	// Mutable enrichment snapshot, overwritten with the latest values.
	City       *string
	Odometer   *int
	ImagePath  *string
	ReportPath *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Run is one scrape execution. FinishedAt set means terminal: the run can
// never be reopened and no further observations may be appended to it.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	OK         *bool
	ErrorKind  *string
	ErrorMsg   *string
}

// Finished reports whether the run has reached a terminal state.
func (r *Run) Finished() bool {
	return r.FinishedAt != nil
}

// Observation is an append-only fact tying a Run and a Listing together:
// the price and labels seen during that run. At most one per (run, listing)
// pair, enforced by a storage-level unique constraint.
type Observation struct {
	ID         string
	RunID      string
	ListingID  string
	Price      *int64
	Labels     *string
	ObservedAt time.Time
}

// ReviewFlag records a data-quality condition for offline review, such as a
// possible duplicate Version or a listing whose re-resolution diverged.
type ReviewFlag struct {
	ID        string
	Kind      string
	SubjectID string
	Note      string
	CreatedAt time.Time
}

// Review flag kinds written by the resolver and registry.
const (
	FlagPossibleDuplicateVersion = "possible_duplicate_version"
	FlagVersionMismatch          = "version_mismatch"
)

// Tx is the unit of atomicity for one raw record: resolve, register and
// append all commit together or not at all. Implementations map driver
// unique-violation errors onto the taxonomy sentinels at this boundary.
type Tx interface {
	// VersionsByIdentity returns all Versions sharing the normalized
	// identity key, detail records included.
	VersionsByIdentity(ctx context.Context, identityKey string) ([]*Version, error)
	// VersionByID returns a single Version with its detail, or ErrNotFound.
	VersionByID(ctx context.Context, id string) (*Version, error)
	// InsertVersion stores a new Version and, when present, its detail
	// record. Returns ErrIdentityConflict on a unique violation.
	InsertVersion(ctx context.Context, v *Version) error
	// UpdateVersion rewrites the compatibility fields of an existing
	// Version. Returns ErrIdentityConflict if the new tuple collides.
	UpdateVersion(ctx context.Context, v *Version) error
	// UpsertVersionDetail inserts or rewrites the detail row of a Version.
	UpsertVersionDetail(ctx context.Context, d *VersionDetail) error

	// ListingBySite returns the Listing for (website, siteIdentifier),
	// or ErrNotFound on first sight.
	ListingBySite(ctx context.Context, website, siteIdentifier string) (*Listing, error)
	// InsertListing stores a new Listing. Returns ErrIdentityConflict if
	// the (website, siteIdentifier) pair already exists.
	InsertListing(ctx context.Context, l *Listing) error
	// UpdateListing rewrites the mutable fields of an existing Listing
	// (version binding and enrichment snapshot).
	UpdateListing(ctx context.Context, l *Listing) error

	// GetRun returns the Run, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)
	// InsertObservation appends one Observation. Returns
	// ErrDuplicateObservation if the (run, listing) pair was already seen.
	InsertObservation(ctx context.Context, o *Observation) error
	// ObservationExists reports whether the (run, listing) pair already
	// has an Observation.
	ObservationExists(ctx context.Context, runID, listingID string) (bool, error)

	// InsertReviewFlag records a data-quality flag for offline review.
	InsertReviewFlag(ctx context.Context, f *ReviewFlag) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the durable backend of the engine.
type Store interface {
	// Begin opens a transaction scoped to one raw record.
	Begin(ctx context.Context) (Tx, error)

	// CreateRun persists a new Run in the Running state.
	CreateRun(ctx context.Context, r *Run) error
	// GetRun returns the Run, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)
	// CompleteRun sets the end timestamp and outcome. Returns ErrRunClosed
	// if the run already reached a terminal state.
	CompleteRun(ctx context.Context, runID string, ok bool, errorKind, errorMsg string) error

	// ObservationsForListing returns the full observation history of a
	// Listing ordered by run start time, oldest first.
	ObservationsForListing(ctx context.Context, listingID string) ([]*Observation, error)

	Close() error
}
