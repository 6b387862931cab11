package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/HugoAlexis/car-scraping/internal/storage"
)

// newTestStore connects to the database named by DATABASE_URL and skips the
// test when none is reachable.
func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Skipf("Skipping integration test: failed to connect to DB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &storage.Run{ID: uuid.New().String(), StartedAt: time.Now().UTC()}
	require.NoError(t, s.CreateRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.False(t, got.Finished())

	require.NoError(t, s.CompleteRun(ctx, r.ID, true, "", ""))

	got, err = s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, got.Finished())
	require.NotNil(t, got.OK)
	require.True(t, *got.OK)

	err = s.CompleteRun(ctx, r.ID, false, storage.KindStorageUnavailable, "late")
	require.ErrorIs(t, err, storage.ErrRunClosed)
}

func TestVersionUniqueViolationMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	key := "acme|x1|" + uuid.New().String() + "|2023"
	mk := func() *storage.Version {
		return &storage.Version{
			ID:                 uuid.New().String(),
			Brand:              "Acme",
			Model:              "X1",
			VersionName:        "Sport",
			Year:               2023,
			BodyStyle:          strPtr("sedan"),
			EngineDisplacement: strPtr("1.6"),
			TransmissionType:   strPtr("manual"),
			IdentityKey:        key,
			CreatedAt:          time.Now().UTC(),
		}
	}
	require.NoError(t, tx.InsertVersion(ctx, mk()))

	err = tx.InsertVersion(ctx, mk())
	require.ErrorIs(t, err, storage.ErrIdentityConflict)
}

func TestVersionUniqueViolationNullFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	// NULLS NOT DISTINCT on the versions constraint: two minimal specs of
	// the same identity must collide even with every compatibility field NULL.
	key := "acme|x1|" + uuid.New().String() + "|2023"
	mk := func() *storage.Version {
		return &storage.Version{
			ID:          uuid.New().String(),
			Brand:       "Acme",
			Model:       "X1",
			VersionName: "Sport",
			Year:        2023,
			IdentityKey: key,
			CreatedAt:   time.Now().UTC(),
		}
	}
	require.NoError(t, tx.InsertVersion(ctx, mk()))

	err = tx.InsertVersion(ctx, mk())
	require.ErrorIs(t, err, storage.ErrIdentityConflict)
}

func TestObservationDuplicateMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &storage.Run{ID: uuid.New().String(), StartedAt: time.Now().UTC()}
	require.NoError(t, s.CreateRun(ctx, run))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	l := &storage.Listing{
		ID:             uuid.New().String(),
		Website:        "siteA",
		SiteIdentifier: uuid.New().String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, tx.InsertListing(ctx, l))

	o := &storage.Observation{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		ListingID:  l.ID,
		Price:      i64Ptr(20000),
		ObservedAt: now,
	}
	require.NoError(t, tx.InsertObservation(ctx, o))

	dup := &storage.Observation{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		ListingID:  l.ID,
		ObservedAt: now,
	}
	err = tx.InsertObservation(ctx, dup)
	require.ErrorIs(t, err, storage.ErrDuplicateObservation)
}
