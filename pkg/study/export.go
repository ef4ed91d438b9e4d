package study

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"readstudy/internal/models"
)

// ExportKind selects one of the CSV layouts.
type ExportKind string

const (
	// ExportMatrix has one row per patient and one column per inspector
	ExportMatrix ExportKind = "matrix"

	// ExportStatistics has one row per inspector with verdict counts
	ExportStatistics ExportKind = "statistics"

	// ExportTimeline has one row per verdict with timestamps
	ExportTimeline ExportKind = "timestamp"
)

// ExportKinds lists every layout in the order ParseExportKind("all") returns them.
var ExportKinds = []ExportKind{ExportMatrix, ExportStatistics, ExportTimeline}

// ParseExportKind accepts a layout name or "all".
func ParseExportKind(s string) ([]ExportKind, error) {
	if s == "all" {
		return ExportKinds, nil
	}
	for _, k := range ExportKinds {
		if string(k) == s {
			return []ExportKind{k}, nil
		}
	}
	return nil, fmt.Errorf("unknown export type %q", s)
}

const timeLayout = "2006-01-02 15:04:05"

// WriteMatrix writes Patient_ID followed by one "<affiliation>_<name>" column
// per inspector. Rows cover the given patients plus any patient that has a
// verdict, sorted; missing verdicts are empty cells.
func (s *Store) WriteMatrix(ctx context.Context, w io.Writer, patients []string) error {
	inspectors, err := s.Inspectors(ctx)
	if err != nil {
		return err
	}
	results, err := s.Results(ctx)
	if err != nil {
		return err
	}

	column := make(map[int64]int, len(inspectors))
	header := []string{"Patient_ID"}
	for i, ins := range inspectors {
		column[ins.ID] = i + 1
		header = append(header, ins.Label())
	}

	byPatient := make(map[string][]string)
	for _, p := range patients {
		byPatient[p] = make([]string, len(header))
	}
	for _, r := range results {
		row, ok := byPatient[r.PatientID]
		if !ok {
			row = make([]string, len(header))
			byPatient[r.PatientID] = row
		}
		if col, ok := column[r.InspectorID]; ok {
			row[col] = string(r.Verdict)
		}
	}

	ids := make([]string, 0, len(byPatient))
	for id := range byPatient {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, id := range ids {
		row := byPatient[id]
		row[0] = id
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteStatistics writes per-inspector verdict counts, including inspectors
// who have not submitted anything yet.
func (s *Store) WriteStatistics(ctx context.Context, w io.Writer) error {
	inspectors, err := s.Inspectors(ctx)
	if err != nil {
		return err
	}
	results, err := s.Results(ctx)
	if err != nil {
		return err
	}

	type tally struct {
		total, real, synthetic int
		first, last            time.Time
	}
	tallies := make(map[int64]*tally, len(inspectors))
	for _, ins := range inspectors {
		tallies[ins.ID] = &tally{}
	}
	for _, r := range results {
		t, ok := tallies[r.InspectorID]
		if !ok {
			continue
		}
		t.total++
		if r.Verdict == models.Real {
			t.real++
		} else {
			t.synthetic++
		}
		if t.first.IsZero() || r.CreatedAt.Before(t.first) {
			t.first = r.CreatedAt
		}
		if r.UpdatedAt.After(t.last) {
			t.last = r.UpdatedAt
		}
	}

	cw := csv.NewWriter(w)
	cw.Write([]string{"Affiliation", "Name", "Total_Analyzed", "CECT_Count", "sCECT_Count",
		"CECT_Percentage", "First_Analysis", "Last_Analysis"})
	for _, ins := range inspectors {
		t := tallies[ins.ID]
		pct := 0.0
		if t.total > 0 {
			pct = float64(t.real) / float64(t.total) * 100
		}
		cw.Write([]string{
			ins.Affiliation,
			ins.Name,
			strconv.Itoa(t.total),
			strconv.Itoa(t.real),
			strconv.Itoa(t.synthetic),
			fmt.Sprintf("%.1f%%", pct),
			formatTime(t.first),
			formatTime(t.last),
		})
	}
	cw.Flush()
	return cw.Error()
}

// WriteTimeline writes one row per verdict ordered by patient, affiliation, name.
func (s *Store) WriteTimeline(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ar.patient_id, i.affiliation, i.name, ar.result, ar.created_at, ar.updated_at
		 FROM analysis_results ar
		 JOIN inspectors i ON ar.inspector_id = i.id
		 ORDER BY ar.patient_id, i.affiliation, i.name`)
	if err != nil {
		return fmt.Errorf("list timeline: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	cw.Write([]string{"Patient_ID", "Affiliation", "Inspector_Name", "Result", "Created_At", "Updated_At"})
	for rows.Next() {
		var (
			patientID, affiliation, name, result string
			createdAt, updatedAt                 int64
		)
		if err := rows.Scan(&patientID, &affiliation, &name, &result, &createdAt, &updatedAt); err != nil {
			return fmt.Errorf("scan timeline: %w", err)
		}
		cw.Write([]string{patientID, affiliation, name, result,
			formatTime(fromMillis(createdAt)), formatTime(fromMillis(updatedAt))})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// Export writes one CSV of the given kind into dir, named
// <prefix>_YYYYMMDD_HHMMSS.csv, and returns its path.
func (s *Store) Export(ctx context.Context, kind ExportKind, dir string, patients []string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	prefix := map[ExportKind]string{
		ExportMatrix:     "results",
		ExportStatistics: "statistics",
		ExportTimeline:   "results_with_time",
	}[kind]
	if prefix == "" {
		return "", fmt.Errorf("unknown export type %q", kind)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", prefix, s.now().Format("20060102_150405")))

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	switch kind {
	case ExportMatrix:
		err = s.WriteMatrix(ctx, f, patients)
	case ExportStatistics:
		err = s.WriteStatistics(ctx, f)
	case ExportTimeline:
		err = s.WriteTimeline(ctx, f)
	}
	if err != nil {
		return "", fmt.Errorf("failed to write %s export: %w", kind, err)
	}
	return path, f.Close()
}
