// Package report renders post-run ingestion summaries for diagnostics.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/HugoAlexis/car-scraping/internal/ingest"
	"github.com/HugoAlexis/car-scraping/internal/storage"
)

// Summary combines the run outcome with the batch counters.
type Summary struct {
	RunID     string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Succeeded bool
	ErrorKind string
	ErrorMsg  string

	NewVersions      int
	MatchedVersions  int
	NewListings      int
	SeenListings     int
	Appended         int
	SkippedMalformed int
	SkippedDuplicate int
	SkippedConflict  int
	SkippedBusy      int
}

// GenerateSummary builds a Summary from a terminal run and its report.
func GenerateSummary(run *storage.Run, rep *ingest.Report) Summary {
	s := Summary{
		RunID:     run.ID,
		StartTime: run.StartedAt,
	}
	if run.FinishedAt != nil {
		s.EndTime = *run.FinishedAt
		s.Duration = s.EndTime.Sub(s.StartTime)
	}
	if run.OK != nil {
		s.Succeeded = *run.OK
	}
	if run.ErrorKind != nil {
		s.ErrorKind = *run.ErrorKind
	}
	if run.ErrorMsg != nil {
		s.ErrorMsg = *run.ErrorMsg
	}
	if rep != nil {
		s.NewVersions = rep.NewVersions
		s.MatchedVersions = rep.MatchedVersions
		s.NewListings = rep.NewListings
		s.SeenListings = rep.SeenListings
		s.Appended = rep.Appended
		s.SkippedMalformed = rep.SkippedMalformed
		s.SkippedDuplicate = rep.SkippedDuplicate
		s.SkippedConflict = rep.SkippedConflict
		s.SkippedBusy = rep.SkippedBusy
	}
	return s
}

// WriteJSON writes the summary to the provided writer in JSON format.
func WriteJSON(w io.Writer, summary Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return nil
}

// WriteText writes a human-readable text summary to the provided writer.
func WriteText(w io.Writer, summary Summary) error {
	const textTmpl = `Ingestion Run Summary
---------------------
Run:            {{.RunID}}
Time:           {{.StartTime.Format "2006-01-02 15:04:05"}} - {{if .EndTime.IsZero}}running{{else}}{{.EndTime.Format "2006-01-02 15:04:05"}}{{end}}
Duration:       {{.Duration}}
Outcome:        {{if .Succeeded}}succeeded{{else}}failed{{if .ErrorKind}} ({{.ErrorKind}}){{end}}{{end}}
{{- if .ErrorMsg}}
Note:           {{.ErrorMsg}}
{{- end}}

Versions:       {{.NewVersions}} new, {{.MatchedVersions}} matched
Listings:       {{.NewListings}} new, {{.SeenListings}} seen again
Observations:   {{.Appended}} appended

Skipped:
  malformed:    {{.SkippedMalformed}}
  duplicate:    {{.SkippedDuplicate}}
  conflict:     {{.SkippedConflict}}
  busy:         {{.SkippedBusy}}
`

	t, err := template.New("textReport").Parse(textTmpl)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}

	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("render summary: %w", err)
	}
	return nil
}
