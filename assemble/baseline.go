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
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"descohort/cohort"
	"descohort/desc"
)

// Demographics carries a patient's membership-ledger attributes. The
// categorical codes stay strings; the dataset writer factor-encodes them.
type Demographics struct {
	BirthYear       int
	BirthMonth      int
	SexCode         string
	HoninKazoku     string
	InsurerShubetsu string
	ChiikiCode      string
}

// parseBirthYM accepts yyyy/mm, yyyy-mm, and yyyymm ledger spellings.
func parseBirthYM(s string) (year, month int, ok bool) {
	s = strings.ReplaceAll(strings.ReplaceAll(s, "/", ""), "-", "")
	if len(s) != 6 {
		return 0, 0, false
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil {
		return 0, 0, false
	}
	month, err = strconv.Atoi(s[4:])
	if err != nil || month < 1 || month > 12 {
		return 0, 0, false
	}
	return year, month, true
}

// LoadDemographics reads the membership ledger. A patient with multiple
// membership rows keeps the first one in file order, which is stable across
// runs.
func LoadDemographics(store *desc.Store) (map[string]Demographics, error) {
	rows, err := store.OpenTable(desc.TekiyoTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Cols("kojin_id", "birth_ym", "sex_code", "honin_kazoku_code", "insurer_shubetsu", "chiiki_code")
	if err != nil {
		return nil, err
	}
	demo := map[string]Demographics{}
	for {
		record, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		id := strings.TrimSpace(record[cols[0]])
		if _, seen := demo[id]; seen {
			continue
		}
		d := Demographics{
			SexCode:         strings.TrimSpace(record[cols[2]]),
			HoninKazoku:     strings.TrimSpace(record[cols[3]]),
			InsurerShubetsu: strings.TrimSpace(record[cols[4]]),
			ChiikiCode:      strings.TrimSpace(record[cols[5]]),
		}
		if year, month, ok := parseBirthYM(strings.TrimSpace(record[cols[1]])); ok {
			d.BirthYear = year
			d.BirthMonth = month
		}
		demo[id] = d
	}
	return demo, nil
}

// AgeAtIndex computes completed years of age at the index date, to month
// precision. Returns -1 when the birth year is unknown.
func (d Demographics) AgeAtIndex(index cohort.Date) int {
	if d.BirthYear == 0 {
		return -1
	}
	age := index.Year - d.BirthYear
	if index.Month < d.BirthMonth {
		age--
	}
	if age < 0 {
		return -1
	}
	return age
}

// BaselineRow is one patient's baseline observation: demographics, washout,
// treatment group, comorbidity flags, and each table's measurement closest
// to the index, preferring the post-index window over the pre-index one.
type BaselineRow struct {
	KojinID string
	Factors map[string]string
	Values  map[string]float64
}

// BuildBaseline assembles the per-patient baseline rows, sorted by kojin_id.
// Checkup features keep whole records per patient: the measurement record
// nearest the index is taken from the post-index window, falling back to the
// pre-index window only when the post-index window is empty. A blank cell in
// the chosen record stays null; fields are never mixed across records.
func BuildBaseline(index map[string]*cohort.IndexRecord, groups map[string]cohort.TreatmentGroup, demo map[string]Demographics, comorbidities map[string]map[string]bool, conceptNames []string, tables []*TableIndex, log zerolog.Logger) []BaselineRow {
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]BaselineRow, 0, len(ids))
	for _, id := range ids {
		patient := index[id]
		row := BaselineRow{
			KojinID: id,
			Factors: map[string]string{},
			Values: map[string]float64{
				"washout_weeks":   float64(patient.WashoutWeeks),
				"treatment_group": float64(groups[id]),
			},
		}
		if d, ok := demo[id]; ok {
			row.Factors["sex_code"] = d.SexCode
			row.Factors["honin_kazoku_code"] = d.HoninKazoku
			row.Factors["insurer_shubetsu"] = d.InsurerShubetsu
			row.Factors["chiiki_code"] = d.ChiikiCode
			if age := d.AgeAtIndex(patient.IndexDate); age >= 0 {
				row.Values["age_at_index"] = float64(age)
			}
		}
		for _, concept := range conceptNames {
			flag := 0.0
			if comorbidities[id][concept] {
				flag = 1.0
			}
			row.Values["comorbid_"+concept] = flag
		}
		for _, table := range tables {
			for _, window := range []Window{WindowPostIndex, WindowPreIndex} {
				start, end, ref := window.Span(patient.IndexDate)
				if resolveInto(row.Values, table, id, start, end, ref, patient.IndexDate) {
					break
				}
			}
		}
		out = append(out, row)
	}
	log.Info().Int("patients", len(out)).Msg("assembled baseline rows")
	return out
}
