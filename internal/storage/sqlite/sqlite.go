// Package sqlite implements storage.Store on an embedded SQLite database.
// It serves local single-machine runs and the test suite; production
// deployments use the postgres backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/HugoAlexis/car-scraping/internal/storage"
	sqlite3 "modernc.org/sqlite"
)

// ensure sqliteStore implements storage.Store
var _ storage.Store = (*sqliteStore)(nil)

type sqliteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS versions (
	id TEXT PRIMARY KEY,
	brand TEXT NOT NULL,
	model TEXT NOT NULL,
	version_name TEXT NOT NULL,
	year INTEGER NOT NULL,
	body_style TEXT,
	engine_displacement TEXT,
	transmission_type TEXT,
	identity_key TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_versions_identity_key ON versions(identity_key);

-- COALESCE folds absent compatibility fields into the index so two fully
-- unspecified versions of the same identity still collide.
CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_compat ON versions(
	identity_key,
	COALESCE(body_style, ''),
	COALESCE(engine_displacement, ''),
	COALESCE(transmission_type, '')
);

CREATE TABLE IF NOT EXISTS version_details (
	version_id TEXT PRIMARY KEY REFERENCES versions(id),
	mileage_class TEXT,
	cylinders INTEGER,
	gears INTEGER,
	fuel_range TEXT,
	engine_type TEXT,
	fuel_type TEXT,
	horsepower INTEGER,
	wheel_size INTEGER,
	wheel_material TEXT,
	doors INTEGER,
	passengers INTEGER,
	airbags INTEGER,
	abs BOOLEAN,
	stability_control BOOLEAN,
	air_conditioning BOOLEAN,
	weight_kg REAL
);

CREATE TABLE IF NOT EXISTS listings (
	id TEXT PRIMARY KEY,
	website TEXT NOT NULL,
	site_identifier TEXT NOT NULL,
	version_id TEXT REFERENCES versions(id),
	image_ref TEXT,
	city TEXT,
	odometer INTEGER,
	image_path TEXT,
	report_path TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (website, site_identifier)
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	ok BOOLEAN,
	error_kind TEXT,
	error_msg TEXT
);

CREATE TABLE IF NOT EXISTS observations (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	listing_id TEXT NOT NULL REFERENCES listings(id),
	price INTEGER,
	labels TEXT,
	observed_at DATETIME NOT NULL,
	UNIQUE (run_id, listing_id)
);

CREATE TABLE IF NOT EXISTS review_flags (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	note TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// New opens (creating if necessary) a SQLite-backed storage.Store.
func New(dsn string) (storage.Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	// SQLite supports a single writer; serializing connections also keeps
	// in-memory databases on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

// mapUnique converts SQLite unique-constraint violations into the given
// taxonomy sentinel, leaving other errors untouched.
func mapUnique(err, sentinel error) error {
	if err == nil {
		return nil
	}
	var se *sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case 1555, 2067: // SQLITE_CONSTRAINT_PRIMARYKEY, SQLITE_CONSTRAINT_UNIQUE
			return fmt.Errorf("%w: %v", sentinel, err)
		}
	}
	return err
}

func (s *sqliteStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *sqliteStore) CreateRun(ctx context.Context, r *storage.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at) VALUES (?, ?)`,
		r.ID, r.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	return scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, ok, error_kind, error_msg FROM runs WHERE id = ?`,
		runID,
	))
}

func (s *sqliteStore) CompleteRun(ctx context.Context, runID string, ok bool, errorKind, errorMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs
		 SET finished_at = ?, ok = ?, error_kind = ?, error_msg = ?
		 WHERE id = ? AND finished_at IS NULL`,
		time.Now().UTC(), ok, nullString(errorKind), nullString(errorMsg), runID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: complete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: complete run: %w", err)
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: run %s already completed", storage.ErrRunClosed, runID)
	}
	return nil
}

func (s *sqliteStore) ObservationsForListing(ctx context.Context, listingID string) ([]*storage.Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.run_id, o.listing_id, o.price, o.labels, o.observed_at
		 FROM observations o
		 JOIN runs r ON r.id = o.run_id
		 WHERE o.listing_id = ?
		 ORDER BY r.started_at, o.observed_at`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: observations: %w", err)
	}
	defer rows.Close()

	var obs []*storage.Observation
	for rows.Next() {
		var o storage.Observation
		if err := rows.Scan(&o.ID, &o.RunID, &o.ListingID, &o.Price, &o.Labels, &o.ObservedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan observation: %w", err)
		}
		obs = append(obs, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: observations: %w", err)
	}
	return obs, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// ensure sqliteTx implements storage.Tx
var _ storage.Tx = (*sqliteTx)(nil)

type sqliteTx struct {
	tx *sql.Tx
}

const versionColumns = `v.id, v.brand, v.model, v.version_name, v.year,
	v.body_style, v.engine_displacement, v.transmission_type, v.identity_key, v.created_at,
	d.version_id, d.mileage_class, d.cylinders, d.gears, d.fuel_range, d.engine_type,
	d.fuel_type, d.horsepower, d.wheel_size, d.wheel_material, d.doors, d.passengers,
	d.airbags, d.abs, d.stability_control, d.air_conditioning, d.weight_kg`

func (t *sqliteTx) VersionsByIdentity(ctx context.Context, identityKey string) ([]*storage.Version, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+versionColumns+`
		 FROM versions v
		 LEFT JOIN version_details d ON d.version_id = v.id
		 WHERE v.identity_key = ?
		 ORDER BY v.created_at`,
		identityKey,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: versions by identity: %w", err)
	}
	defer rows.Close()

	var versions []*storage.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: versions by identity: %w", err)
	}
	return versions, nil
}

func (t *sqliteTx) VersionByID(ctx context.Context, id string) (*storage.Version, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+versionColumns+`
		 FROM versions v
		 LEFT JOIN version_details d ON d.version_id = v.id
		 WHERE v.id = ?`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: version by id: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("sqlite: version by id: %w", err)
		}
		return nil, fmt.Errorf("%w: version %s", storage.ErrNotFound, id)
	}
	return scanVersion(rows)
}

func (t *sqliteTx) InsertVersion(ctx context.Context, v *storage.Version) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO versions (id, brand, model, version_name, year,
			body_style, engine_displacement, transmission_type, identity_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Brand, v.Model, v.VersionName, v.Year,
		v.BodyStyle, v.EngineDisplacement, v.TransmissionType, v.IdentityKey, v.CreatedAt,
	)
	if err != nil {
		return mapUnique(fmt.Errorf("sqlite: insert version: %w", err), storage.ErrIdentityConflict)
	}
	if v.Detail != nil {
		v.Detail.VersionID = v.ID
		return t.UpsertVersionDetail(ctx, v.Detail)
	}
	return nil
}

func (t *sqliteTx) UpdateVersion(ctx context.Context, v *storage.Version) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE versions
		 SET body_style = ?, engine_displacement = ?, transmission_type = ?
		 WHERE id = ?`,
		v.BodyStyle, v.EngineDisplacement, v.TransmissionType, v.ID,
	)
	if err != nil {
		return mapUnique(fmt.Errorf("sqlite: update version: %w", err), storage.ErrIdentityConflict)
	}
	return nil
}

func (t *sqliteTx) UpsertVersionDetail(ctx context.Context, d *storage.VersionDetail) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO version_details (version_id, mileage_class, cylinders, gears,
			fuel_range, engine_type, fuel_type, horsepower, wheel_size, wheel_material,
			doors, passengers, airbags, abs, stability_control, air_conditioning, weight_kg)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (version_id) DO UPDATE SET
			mileage_class = excluded.mileage_class,
			cylinders = excluded.cylinders,
			gears = excluded.gears,
			fuel_range = excluded.fuel_range,
			engine_type = excluded.engine_type,
			fuel_type = excluded.fuel_type,
			horsepower = excluded.horsepower,
			wheel_size = excluded.wheel_size,
			wheel_material = excluded.wheel_material,
			doors = excluded.doors,
			passengers = excluded.passengers,
			airbags = excluded.airbags,
			abs = excluded.abs,
			stability_control = excluded.stability_control,
			air_conditioning = excluded.air_conditioning,
			weight_kg = excluded.weight_kg`,
		d.VersionID, d.MileageClass, d.Cylinders, d.Gears,
		d.FuelRange, d.EngineType, d.FuelType, d.Horsepower, d.WheelSize, d.WheelMaterial,
		d.Doors, d.Passengers, d.Airbags, d.ABS, d.StabilityControl, d.AirConditioning, d.WeightKG,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert version detail: %w", err)
	}
	return nil
}

func (t *sqliteTx) ListingBySite(ctx context.Context, website, siteIdentifier string) (*storage.Listing, error) {
	var l storage.Listing
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, website, site_identifier, version_id, image_ref,
			city, odometer, image_path, report_path, created_at, updated_at
		 FROM listings WHERE website = ? AND site_identifier = ?`,
		website, siteIdentifier,
	).Scan(&l.ID, &l.Website, &l.SiteIdentifier, &l.VersionID, &l.ImageRef,
		&l.City, &l.Odometer, &l.ImagePath, &l.ReportPath, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: listing %s/%s", storage.ErrNotFound, website, siteIdentifier)
		}
		return nil, fmt.Errorf("sqlite: listing by site: %w", err)
	}
	return &l, nil
}

func (t *sqliteTx) InsertListing(ctx context.Context, l *storage.Listing) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO listings (id, website, site_identifier, version_id, image_ref,
			city, odometer, image_path, report_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Website, l.SiteIdentifier, l.VersionID, l.ImageRef,
		l.City, l.Odometer, l.ImagePath, l.ReportPath, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return mapUnique(fmt.Errorf("sqlite: insert listing: %w", err), storage.ErrIdentityConflict)
	}
	return nil
}

func (t *sqliteTx) UpdateListing(ctx context.Context, l *storage.Listing) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE listings
		 SET version_id = ?, image_ref = ?, city = ?, odometer = ?,
			image_path = ?, report_path = ?, updated_at = ?
		 WHERE id = ?`,
		l.VersionID, l.ImageRef, l.City, l.Odometer,
		l.ImagePath, l.ReportPath, l.UpdatedAt, l.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update listing: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	return scanRun(t.tx.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, ok, error_kind, error_msg FROM runs WHERE id = ?`,
		runID,
	))
}

func (t *sqliteTx) InsertObservation(ctx context.Context, o *storage.Observation) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO observations (id, run_id, listing_id, price, labels, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.RunID, o.ListingID, o.Price, o.Labels, o.ObservedAt,
	)
	if err != nil {
		return mapUnique(fmt.Errorf("sqlite: insert observation: %w", err), storage.ErrDuplicateObservation)
	}
	return nil
}

func (t *sqliteTx) ObservationExists(ctx context.Context, runID, listingID string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx,
		`SELECT 1 FROM observations WHERE run_id = ? AND listing_id = ?`,
		runID, listingID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("sqlite: observation exists: %w", err)
	}
	return true, nil
}

func (t *sqliteTx) InsertReviewFlag(ctx context.Context, f *storage.ReviewFlag) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO review_flags (id, kind, subject_id, note, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.Kind, f.SubjectID, f.Note, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert review flag: %w", err)
	}
	return nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("sqlite: rollback: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(rows rowScanner) (*storage.Version, error) {
	var v storage.Version
	var d storage.VersionDetail
	var detailID *string

	err := rows.Scan(
		&v.ID, &v.Brand, &v.Model, &v.VersionName, &v.Year,
		&v.BodyStyle, &v.EngineDisplacement, &v.TransmissionType, &v.IdentityKey, &v.CreatedAt,
		&detailID, &d.MileageClass, &d.Cylinders, &d.Gears, &d.FuelRange, &d.EngineType,
		&d.FuelType, &d.Horsepower, &d.WheelSize, &d.WheelMaterial, &d.Doors, &d.Passengers,
		&d.Airbags, &d.ABS, &d.StabilityControl, &d.AirConditioning, &d.WeightKG,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan version: %w", err)
	}
	if detailID != nil {
		d.VersionID = *detailID
		v.Detail = &d
	}
	return &v, nil
}

func scanRun(row rowScanner) (*storage.Run, error) {
	var r storage.Run
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.OK, &r.ErrorKind, &r.ErrorMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlite: scan run: %w", err)
	}
	return &r, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
