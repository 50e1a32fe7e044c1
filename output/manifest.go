// DESCohort: DeSC Claims Cohort Construction Pipeline
// Copyright (c) 2025 DESCohort contributors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

package output

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Manifest records one pipeline run: what was read, what was produced, and
// how patients were distributed. On a fatal error a failure manifest with
// the Error field set is written instead of any dataset.
type Manifest struct {
	RunID               string         `json:"run_id"`
	GeneratedAt         time.Time      `json:"generated_at"`
	InputDir            string         `json:"input_dir"`
	ShardCounts         map[string]int `json:"shard_counts,omitempty"`
	IndexPatients       int            `json:"index_patients"`
	SkippedRows         int            `json:"skipped_rows"`
	StudyPeriodExcluded int            `json:"study_period_excluded"`
	CohortCounts        map[string]int `json:"cohort_counts,omitempty"`
	TreatmentCounts     map[string]int `json:"treatment_counts,omitempty"`
	Error               string         `json:"error,omitempty"`
}

// NewManifest starts a manifest for one run.
func NewManifest(inputDir string) *Manifest {
	return &Manifest{
		RunID:       uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		InputDir:    inputDir,
	}
}

// WriteFailure records a fatal error as <outDir>.failed.json. The dataset
// directory itself is never created on failure.
func (m *Manifest) WriteFailure(outDir string, cause error) error {
	m.Error = cause.Error()
	if err := os.MkdirAll(filepath.Dir(outDir), 0o755); err != nil {
		return err
	}
	return writeJSON(outDir+".failed.json", m)
}
