package test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/HugoAlexis/car-scraping/internal/ingest"
	"github.com/HugoAlexis/car-scraping/internal/report"
	"github.com/HugoAlexis/car-scraping/internal/storage/sqlite"
)

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }
func intPtr(n int) *int       { return &n }

// TestIntegration_IngestLifecycle drives two full scrape cycles through the
// real coordinator and sqlite store: first sight, a later re-scrape with a
// price drop and richer specs, and the summary rendered at the end.
func TestIntegration_IngestLifecycle(t *testing.T) {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	coord := ingest.New(ingest.Config{Store: store, Workers: 4})

	day1 := []ingest.RawRecord{
		{
			Website:        "kavak",
			SiteIdentifier: "A-100",
			RawSpec: ingest.RawSpec{
				Brand: "Chevrolet", Model: "Aveo", VersionName: "LT", Year: 2021,
				TransmissionType: strPtr("manual"),
			},
			Price:  i64Ptr(185000),
			Labels: strPtr("promoted"),
		},
		{
			Website:        "kavak",
			SiteIdentifier: "A-101",
			RawSpec: ingest.RawSpec{
				Brand: "Chevrolet", Model: "Aveo", VersionName: "LT", Year: 2021,
				TransmissionType: strPtr("manual"),
			},
			Price: i64Ptr(179000),
		},
		{
			Website:        "seminuevos",
			SiteIdentifier: "999",
			RawSpec: ingest.RawSpec{
				Brand: "Nissan", Model: "Versa", VersionName: "Sense", Year: 2019,
			},
			Price: i64Ptr(150000),
		},
	}

	run1, rep1, err := coord.IngestRun(ctx, day1)
	if err != nil {
		t.Fatalf("day 1 ingest: %v", err)
	}
	if rep1.Appended != 3 || rep1.NewListings != 3 || rep1.NewVersions != 2 {
		t.Fatalf("day 1 report: %+v", rep1)
	}

	// Day 2: A-100 re-scraped cheaper and with fuller specs, A-101 gone,
	// one malformed record from a broken site parser.
	day2 := []ingest.RawRecord{
		{
			Website:        "kavak",
			SiteIdentifier: "A-100",
			RawSpec: ingest.RawSpec{
				Brand: "Chevrolet", Model: "Aveo", VersionName: "LT", Year: 2021,
				TransmissionType: strPtr("manual"),
				Detail:           &ingest.RawDetail{Cylinders: intPtr(4), Doors: intPtr(4)},
			},
			Price:      i64Ptr(176000),
			Enrichment: &ingest.RawEnrichment{City: strPtr("CDMX"), Odometer: intPtr(61000)},
		},
		{
			Website:        "kavak",
			SiteIdentifier: "A-102",
			RawSpec:        ingest.RawSpec{Brand: "", Model: "Aveo", VersionName: "LT", Year: 2021},
		},
	}

	run2, rep2, err := coord.IngestRun(ctx, day2)
	if err != nil {
		t.Fatalf("day 2 ingest: %v", err)
	}
	if rep2.Appended != 1 || rep2.SeenListings != 1 || rep2.SkippedMalformed != 1 {
		t.Fatalf("day 2 report: %+v", rep2)
	}
	if rep2.NewVersions != 0 {
		t.Errorf("re-scrape created %d versions", rep2.NewVersions)
	}

	// The listing kept its identity across runs and accumulated history.
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	l, err := tx.ListingBySite(ctx, "kavak", "A-100")
	if err != nil {
		t.Fatalf("listing by site: %v", err)
	}
	if l.City == nil || *l.City != "CDMX" {
		t.Errorf("enrichment snapshot not applied: %v", l.City)
	}
	if l.VersionID == nil {
		t.Fatal("listing unbound")
	}
	v, err := tx.VersionByID(ctx, *l.VersionID)
	if err != nil {
		t.Fatalf("version by id: %v", err)
	}
	if v.Detail == nil || v.Detail.Cylinders == nil || *v.Detail.Cylinders != 4 {
		t.Error("day 2 detail enrichment lost")
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	obs, err := store.ObservationsForListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("observations: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("history length = %d, want 2", len(obs))
	}
	if *obs[0].Price != 185000 || *obs[1].Price != 176000 {
		t.Errorf("price history = %d, %d", *obs[0].Price, *obs[1].Price)
	}
	if obs[0].RunID != run1.ID || obs[1].RunID != run2.ID {
		t.Error("history not attributed to the right runs")
	}

	// Both runs reached a terminal state.
	for _, id := range []string{run1.ID, run2.ID} {
		r, err := store.GetRun(ctx, id)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if !r.Finished() || r.OK == nil || !*r.OK {
			t.Errorf("run %s not terminal succeeded", id)
		}
	}

	// The rendered summary reflects the terminal run.
	final2, err := store.GetRun(ctx, run2.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	var buf bytes.Buffer
	if err := report.WriteText(&buf, report.GenerateSummary(final2, rep2)); err != nil {
		t.Fatalf("write text: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "succeeded") {
		t.Errorf("summary missing outcome:\n%s", out)
	}
	if !strings.Contains(out, "malformed:    1") {
		t.Errorf("summary missing skip count:\n%s", out)
	}
}

// TestIntegration_ReplaySameRun re-ingests an identical batch into its own
// run and verifies nothing is double counted anywhere in the store.
func TestIntegration_ReplaySameRun(t *testing.T) {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	coord := ingest.New(ingest.Config{Store: store, Workers: 4})

	batch := []ingest.RawRecord{
		{
			Website:        "kavak",
			SiteIdentifier: "A-100",
			RawSpec:        ingest.RawSpec{Brand: "Chevrolet", Model: "Aveo", VersionName: "LT", Year: 2021},
			Price:          i64Ptr(185000),
		},
	}

	run, err := coord.Ledger().Begin(ctx)
	if err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if _, err := coord.Ingest(ctx, run.ID, batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	rep, err := coord.Ingest(ctx, run.ID, batch)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rep.Appended != 0 || rep.SkippedDuplicate != 1 {
		t.Fatalf("replay report: %+v", rep)
	}
	if err := coord.Ledger().Complete(ctx, run.ID, true, "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	l, err := tx.ListingBySite(ctx, "kavak", "A-100")
	if err != nil {
		t.Fatalf("listing by site: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	obs, err := store.ObservationsForListing(ctx, l.ID)
	if err != nil {
		t.Fatalf("observations: %v", err)
	}
	if len(obs) != 1 {
		t.Errorf("history length = %d, want 1", len(obs))
	}
}
