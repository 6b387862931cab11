// Package postgres implements storage.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HugoAlexis/car-scraping/internal/storage"
)

// ensure pgStore implements storage.Store
var _ storage.Store = (*pgStore)(nil)

type pgStore struct {
	pool *pgxpool.Pool
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
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE NULLS NOT DISTINCT (identity_key, body_style, engine_displacement, transmission_type)
);
CREATE INDEX IF NOT EXISTS idx_versions_identity_key ON versions(identity_key);

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
	weight_kg DOUBLE PRECISION
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
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (website, site_identifier)
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	ok BOOLEAN,
	error_kind TEXT,
	error_msg TEXT
);

CREATE TABLE IF NOT EXISTS observations (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	listing_id TEXT NOT NULL REFERENCES listings(id),
	price BIGINT,
	labels TEXT,
	observed_at TIMESTAMPTZ NOT NULL,
	UNIQUE (run_id, listing_id)
);

CREATE TABLE IF NOT EXISTS review_flags (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	note TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, dsn string) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres: ping: %v", storage.ErrStorageUnavailable, err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}

	return &pgStore{pool: pool}, nil
}

// mapUnique converts unique-violation errors (SQLSTATE 23505) into the given
// taxonomy sentinel, leaving other errors untouched.
func mapUnique(err, sentinel error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return err
}

func (s *pgStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: begin: %v", storage.ErrStorageUnavailable, err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *pgStore) CreateRun(ctx context.Context, r *storage.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, started_at) VALUES ($1, $2)`,
		r.ID, r.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create run: %w", err)
	}
	return nil
}

func (s *pgStore) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	return scanRun(s.pool.QueryRow(ctx,
		`SELECT id, started_at, finished_at, ok, error_kind, error_msg FROM runs WHERE id = $1`,
		runID,
	))
}

func (s *pgStore) CompleteRun(ctx context.Context, runID string, ok bool, errorKind, errorMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET finished_at = $1, ok = $2, error_kind = $3, error_msg = $4
		 WHERE id = $5 AND finished_at IS NULL`,
		time.Now().UTC(), ok, nullString(errorKind), nullString(errorMsg), runID,
	)
	if err != nil {
		return fmt.Errorf("postgres: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: run %s already completed", storage.ErrRunClosed, runID)
	}
	return nil
}

func (s *pgStore) ObservationsForListing(ctx context.Context, listingID string) ([]*storage.Observation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT o.id, o.run_id, o.listing_id, o.price, o.labels, o.observed_at
		 FROM observations o
		 JOIN runs r ON r.id = o.run_id
		 WHERE o.listing_id = $1
		 ORDER BY r.started_at, o.observed_at`,
		listingID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: observations: %w", err)
	}
	defer rows.Close()

	var obs []*storage.Observation
	for rows.Next() {
		var o storage.Observation
		if err := rows.Scan(&o.ID, &o.RunID, &o.ListingID, &o.Price, &o.Labels, &o.ObservedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan observation: %w", err)
		}
		obs = append(obs, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: observations: %w", err)
	}
	return obs, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

// ensure pgTx implements storage.Tx
var _ storage.Tx = (*pgTx)(nil)

type pgTx struct {
	tx pgx.Tx
}

const versionColumns = `v.id, v.brand, v.model, v.version_name, v.year,
	v.body_style, v.engine_displacement, v.transmission_type, v.identity_key, v.created_at,
	d.version_id, d.mileage_class, d.cylinders, d.gears, d.fuel_range, d.engine_type,
	d.fuel_type, d.horsepower, d.wheel_size, d.wheel_material, d.doors, d.passengers,
	d.airbags, d.abs, d.stability_control, d.air_conditioning, d.weight_kg`

func (t *pgTx) VersionsByIdentity(ctx context.Context, identityKey string) ([]*storage.Version, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+versionColumns+`
		 FROM versions v
		 LEFT JOIN version_details d ON d.version_id = v.id
		 WHERE v.identity_key = $1
		 ORDER BY v.created_at`,
		identityKey,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: versions by identity: %w", err)
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
		return nil, fmt.Errorf("postgres: versions by identity: %w", err)
	}
	return versions, nil
}

func (t *pgTx) VersionByID(ctx context.Context, id string) (*storage.Version, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+versionColumns+`
		 FROM versions v
		 LEFT JOIN version_details d ON d.version_id = v.id
		 WHERE v.id = $1`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: version by id: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("postgres: version by id: %w", err)
		}
		return nil, fmt.Errorf("%w: version %s", storage.ErrNotFound, id)
	}
	return scanVersion(rows)
}

func (t *pgTx) InsertVersion(ctx context.Context, v *storage.Version) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO versions (id, brand, model, version_name, year,
			body_style, engine_displacement, transmission_type, identity_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.Brand, v.Model, v.VersionName, v.Year,
		v.BodyStyle, v.EngineDisplacement, v.TransmissionType, v.IdentityKey, v.CreatedAt,
	)
	if err != nil {
		return mapUnique(fmt.Errorf("postgres: insert version: %w", err), storage.ErrIdentityConflict)
	}
	if v.Detail != nil {
		v.Detail.VersionID = v.ID
		return t.UpsertVersionDetail(ctx, v.Detail)
	}
	return nil
}

func (t *pgTx) UpdateVersion(ctx context.Context, v *storage.Version) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE versions
		 SET body_style = $1, engine_displacement = $2, transmission_type = $3
		 WHERE id = $4`,
		v.BodyStyle, v.EngineDisplacement, v.TransmissionType, v.ID,
	)
	if err != nil {
		return mapUnique(fmt.Errorf("postgres: update version: %w", err), storage.ErrIdentityConflict)
	}
	return nil
}

func (t *pgTx) UpsertVersionDetail(ctx context.Context, d *storage.VersionDetail) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO version_details (version_id, mileage_class, cylinders, gears,
			fuel_range, engine_type, fuel_type, horsepower, wheel_size, wheel_material,
			doors, passengers, airbags, abs, stability_control, air_conditioning, weight_kg)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
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
		return fmt.Errorf("postgres: upsert version detail: %w", err)
	}
	return nil
}

func (t *pgTx) ListingBySite(ctx context.Context, website, siteIdentifier string) (*storage.Listing, error) {
	var l storage.Listing
	err := t.tx.QueryRow(ctx,
		`SELECT id, website, site_identifier, version_id, image_ref,
			city, odometer, image_path, report_path, created_at, updated_at
		 FROM listings WHERE website = $1 AND site_identifier = $2`,
		website, siteIdentifier,
	).Scan(&l.ID, &l.Website, &l.SiteIdentifier, &l.VersionID, &l.ImageRef,
		&l.City, &l.Odometer, &l.ImagePath, &l.ReportPath, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: listing %s/%s", storage.ErrNotFound, website, siteIdentifier)
		}
		return nil, fmt.Errorf("postgres: listing by site: %w", err)
	}
	return &l, nil
}

func (t *pgTx) InsertListing(ctx context.Context, l *storage.Listing) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO listings (id, website, site_identifier, version_id, image_ref,
			city, odometer, image_path, report_path, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.Website, l.SiteIdentifier, l.VersionID, l.ImageRef,
		l.City, l.Odometer, l.ImagePath, l.ReportPath, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return mapUnique(fmt.Errorf("postgres: insert listing: %w", err), storage.ErrIdentityConflict)
	}
	return nil
}

func (t *pgTx) UpdateListing(ctx context.Context, l *storage.Listing) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE listings
		 SET version_id = $1, image_ref = $2, city = $3, odometer = $4,
			image_path = $5, report_path = $6, updated_at = $7
		 WHERE id = $8`,
		l.VersionID, l.ImageRef, l.City, l.Odometer,
		l.ImagePath, l.ReportPath, l.UpdatedAt, l.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update listing: %w", err)
	}
	return nil
}

func (t *pgTx) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	return scanRun(t.tx.QueryRow(ctx,
		`SELECT id, started_at, finished_at, ok, error_kind, error_msg FROM runs WHERE id = $1`,
		runID,
	))
}

func (t *pgTx) InsertObservation(ctx context.Context, o *storage.Observation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO observations (id, run_id, listing_id, price, labels, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.RunID, o.ListingID, o.Price, o.Labels, o.ObservedAt,
	)
	if err != nil {
		return mapUnique(fmt.Errorf("postgres: insert observation: %w", err), storage.ErrDuplicateObservation)
	}
	return nil
}

func (t *pgTx) ObservationExists(ctx context.Context, runID, listingID string) (bool, error) {
	var one int
	err := t.tx.QueryRow(ctx,
		`SELECT 1 FROM observations WHERE run_id = $1 AND listing_id = $2`,
		runID, listingID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: observation exists: %w", err)
	}
	return true, nil
}

func (t *pgTx) InsertReviewFlag(ctx context.Context, f *storage.ReviewFlag) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO review_flags (id, kind, subject_id, note, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		f.ID, f.Kind, f.SubjectID, f.Note, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert review flag: %w", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: postgres: commit: %v", storage.ErrStorageUnavailable, err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback: %w", err)
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
		return nil, fmt.Errorf("postgres: scan version: %w", err)
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
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: run", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: scan run: %w", err)
	}
	return &r, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
