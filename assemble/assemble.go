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

package assemble

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"descohort/cohort"
	"descohort/desc"
)

// ExamTables binds the health-checkup tables consumed by the assembler:
// the table name, its date column, and its numeric feature columns. The
// binding lives here in one place so a revised data-definition document
// changes one declaration.
var ExamTables = []struct {
	Name    string
	DateCol string
	NumCols []string
}{
	{desc.ExamTable, "exam_ymd", []string{"height_cm", "weight_kg", "bmi", "sbp", "dbp", "waist_cm"}},
	{desc.LabTable, "exam_ymd", []string{"ast", "alt", "gamma_gtp", "hdl", "ldl", "triglyceride", "hba1c"}},
	{desc.SurveyTable, "survey_ymd", []string{"drink_freq_code", "drink_amount_code", "smoking_flg", "exercise_flg", "sleep_rest_flg"}},
}

// Record is one dated measurement row of a source table. Columns whose cell
// was blank or unparsable are absent from Num; they stay null downstream.
type Record struct {
	Date cohort.Date
	Num  map[string]float64
}

// TableIndex holds one source table's records per patient, sorted by date,
// for binary-search window resolution.
type TableIndex struct {
	Name      string
	Columns   []string
	byPatient map[string][]Record
}

// LoadTable reads one health-checkup table into a TableIndex. Rows without a
// parsable date are dropped; an undated measurement cannot be assigned to
// any window.
func LoadTable(store *desc.Store, name, dateCol string, numCols []string) (*TableIndex, error) {
	rows, err := store.OpenTable(name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	idCol, err := rows.Col("kojin_id")
	if err != nil {
		return nil, err
	}
	dateIdx, err := rows.Col(dateCol)
	if err != nil {
		return nil, err
	}
	numIdx := make([]int, len(numCols))
	for i, col := range numCols {
		if numIdx[i], err = rows.Col(col); err != nil {
			return nil, err
		}
	}
	index := &TableIndex{Name: name, Columns: numCols, byPatient: map[string][]Record{}}
	for {
		record, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		date, err := cohort.ParseDate(strings.TrimSpace(record[dateIdx]))
		if err != nil {
			continue
		}
		num := make(map[string]float64, len(numCols))
		for i, col := range numCols {
			cell := strings.TrimSpace(record[numIdx[i]])
			if cell == "" {
				continue
			}
			value, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				continue
			}
			num[col] = value
		}
		id := strings.TrimSpace(record[idCol])
		index.byPatient[id] = append(index.byPatient[id], Record{Date: date, Num: num})
	}
	for id := range index.byPatient {
		records := index.byPatient[id]
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Date.Before(records[j].Date)
		})
	}
	return index, nil
}

// LoadExamTables loads every bound health-checkup table.
func LoadExamTables(store *desc.Store) ([]*TableIndex, error) {
	tables := make([]*TableIndex, 0, len(ExamTables))
	for _, binding := range ExamTables {
		table, err := LoadTable(store, binding.Name, binding.DateCol, binding.NumCols)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return tables, nil
}

// Resolve picks the patient's record inside [start, end] nearest to ref,
// ties going to the earlier date. The second result is false when the
// patient has no record in the span.
func (t *TableIndex) Resolve(kojinID string, start, end, ref cohort.Date) (Record, bool) {
	records := t.byPatient[kojinID]
	first := sort.Search(len(records), func(i int) bool {
		return !records[i].Date.Before(start)
	})
	var best Record
	bestDist := -1
	for i := first; i < len(records) && !records[i].Date.After(end); i++ {
		dist := records[i].Date.DaysSince(ref)
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best = records[i]
			bestDist = dist
		}
	}
	return best, bestDist >= 0
}

// Row is one wide longitudinal observation: one patient, one window, the
// nearest measurements of every source table that window contains.
type Row struct {
	KojinID   string
	Window    Window
	Treatment cohort.TreatmentGroup
	Values    map[string]float64
}

// featureName prefixes a column with its source table so the wide layout
// stays collision-free across tables.
func featureName(table, col string) string {
	return fmt.Sprintf("%s_%s", table, col)
}

// resolveInto resolves one table for one window span and merges the
// resulting features, plus the record's day offset from the index date,
// into values. It reports whether the table contributed anything.
func resolveInto(values map[string]float64, table *TableIndex, kojinID string, start, end, ref, index cohort.Date) bool {
	record, ok := table.Resolve(kojinID, start, end, ref)
	if !ok {
		return false
	}
	for _, col := range table.Columns {
		if v, present := record.Num[col]; present {
			values[featureName(table.Name, col)] = v
		}
	}
	values[featureName(table.Name, "days_from_index")] = float64(record.Date.DaysSince(index))
	return true
}

// BuildRows assembles the longitudinal dataset rows for the given index
// patients, ordered by (kojin_id, window). Windows in which no table has a
// record produce no row.
func BuildRows(index map[string]*cohort.IndexRecord, groups map[string]cohort.TreatmentGroup, tables []*TableIndex, log zerolog.Logger) []Row {
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []Row
	for _, id := range ids {
		patient := index[id]
		for _, window := range Windows {
			start, end, ref := window.Span(patient.IndexDate)
			values := map[string]float64{}
			any := false
			for _, table := range tables {
				if resolveInto(values, table, id, start, end, ref, patient.IndexDate) {
					any = true
				}
			}
			if !any {
				continue
			}
			out = append(out, Row{
				KojinID:   id,
				Window:    window,
				Treatment: groups[id],
				Values:    values,
			})
		}
	}
	log.Info().
		Int("patients", len(ids)).
		Int("rows", len(out)).
		Msg("assembled longitudinal rows")
	return out
}
