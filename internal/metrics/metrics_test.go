package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestMetricsServer(t *testing.T) {
	srv := Start(8899)
	// Give it a tiny bit of time to start up
	time.Sleep(100 * time.Millisecond)

	defer srv.Stop(context.Background())

	RecordOutcome("example.com", OutcomeAppended)
	RecordOutcome("example.com", OutcomeDuplicate)
	RecordRun(true)
	BatchDuration.Observe(1.5)

	resp, err := http.Get("http://localhost:8899/metrics")
	if err != nil {
		t.Fatalf("failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}

	output := string(body)

	if !strings.Contains(output, `carscraping_ingest_records_total{outcome="appended",website="example.com"}`) {
		t.Errorf("expected appended record counter for example.com")
	}

	if !strings.Contains(output, `carscraping_runs_total{status="succeeded"}`) {
		t.Errorf("expected succeeded run counter")
	}

	if !strings.Contains(output, "carscraping_ingest_batch_duration_seconds_bucket") {
		t.Errorf("expected batch duration histogram")
	}
}
