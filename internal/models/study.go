package models

import (
	"fmt"
	"time"
)

// Verdict is a reader's classification of one patient's contrast phase.
type Verdict string

const (
	// Real is a genuine contrast-enhanced CT
	Real Verdict = "CECT"

	// Synthetic is a synthetically generated contrast-enhanced CT
	Synthetic Verdict = "sCECT"
)

// ParseVerdict accepts exactly "CECT" or "sCECT".
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(s); v {
	case Real, Synthetic:
		return v, nil
	}
	return "", fmt.Errorf("verdict must be %q or %q, got %q", Real, Synthetic, s)
}

// Inspector is a reader taking part in the study
type Inspector struct {
	ID          int64     `json:"id"`
	Affiliation string    `json:"affiliation"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	LastLogin   time.Time `json:"last_login"`
}

// Label is the column header used for this inspector in exports
func (i Inspector) Label() string {
	return i.Affiliation + "_" + i.Name
}

// AnalysisResult is one inspector's verdict on one patient.
// Each (InspectorID, PatientID) pair has at most one result; resubmission
// overwrites it.
type AnalysisResult struct {
	InspectorID int64     `json:"inspector_id"`
	PatientID   string    `json:"patient_id"`
	Verdict     Verdict   `json:"result"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PatientResult is a verdict joined with the inspector who gave it
type PatientResult struct {
	Affiliation string    `json:"affiliation"`
	Name        string    `json:"name"`
	Verdict     Verdict   `json:"result"`
	UpdatedAt   time.Time `json:"updated_at"`
}
