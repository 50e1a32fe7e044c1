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

package cohort

import (
	"io"
	"sort"
	"strings"

	"github.com/exascience/pargo/parallel"
	"github.com/rs/zerolog"

	"descohort/desc"
)

// IndexRecord is one patient's index event: the earliest non-suspected
// diagnosis of the target disease. ShardIdx and RowIdx record where the
// event was read so that same-date candidates resolve identically no matter
// how the shard scan is scheduled.
type IndexRecord struct {
	KojinID      string
	IndexDate    Date
	ShardIdx     int
	RowIdx       int
	WashoutWeeks int
}

// before orders index candidates by (date, shard, row).
func (r *IndexRecord) before(other *IndexRecord) bool {
	if !r.IndexDate.Equal(other.IndexDate) {
		return r.IndexDate.Before(other.IndexDate)
	}
	if r.ShardIdx != other.ShardIdx {
		return r.ShardIdx < other.ShardIdx
	}
	return r.RowIdx < other.RowIdx
}

type extractResult struct {
	index   map[string]*IndexRecord
	skipped int
	err     error
}

// ExtractIndexEvents scans all disease shards in parallel and returns the
// earliest target-disease diagnosis per patient. Rows with utagai_flg 1
// (suspected diagnoses) never produce index events. Target rows whose
// diagnosis date does not parse are counted and skipped; they must not
// silently shift a patient's index. The returned skipped count is the number
// of such rows.
func ExtractIndexEvents(store *desc.Store, targetCodes map[string]bool, log zerolog.Logger) (map[string]*IndexRecord, int, error) {
	shards, err := store.Shards(desc.DiseaseShardDir)
	if err != nil {
		return nil, 0, err
	}
	result := parallel.RangeReduce(0, len(shards), 0, func(low, high int) interface{} {
		local := &extractResult{index: map[string]*IndexRecord{}}
		for shardIdx := low; shardIdx < high; shardIdx++ {
			rows, err := desc.OpenShard(shards[shardIdx])
			if err != nil {
				local.err = err
				return local
			}
			cols, err := rows.Cols("kojin_id", "diseases_code", "sinryo_start_ymd", "utagai_flg")
			if err != nil {
				rows.Close()
				local.err = err
				return local
			}
			rowIdx := 0
			for {
				record, err := rows.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					rows.Close()
					local.err = err
					return local
				}
				rowIdx++
				if !targetCodes[strings.TrimSpace(record[cols[1]])] {
					continue
				}
				if strings.TrimSpace(record[cols[3]]) == "1" {
					continue
				}
				date, err := ParseDate(strings.TrimSpace(record[cols[2]]))
				if err != nil {
					local.skipped++
					continue
				}
				candidate := &IndexRecord{
					KojinID:   strings.TrimSpace(record[cols[0]]),
					IndexDate: date,
					ShardIdx:  shardIdx,
					RowIdx:    rowIdx,
				}
				current, ok := local.index[candidate.KojinID]
				if !ok || candidate.before(current) {
					local.index[candidate.KojinID] = candidate
				}
			}
			rows.Close()
		}
		return local
	}, func(a, b interface{}) interface{} {
		r1 := a.(*extractResult)
		r2 := b.(*extractResult)
		if r1.err != nil {
			return r1
		}
		if r2.err != nil {
			return r2
		}
		for id, candidate := range r2.index {
			current, ok := r1.index[id]
			if !ok || candidate.before(current) {
				r1.index[id] = candidate
			}
		}
		r1.skipped += r2.skipped
		return r1
	}).(*extractResult)
	if result.err != nil {
		return nil, 0, result.err
	}
	log.Info().
		Int("shards", len(shards)).
		Int("patients", len(result.index)).
		Int("skipped_rows", result.skipped).
		Msg("extracted index events")
	return result.index, result.skipped, nil
}

type earliestResult struct {
	earliest map[string]Date
	err      error
}

func mergeEarliest(dst, src map[string]Date) {
	for id, date := range src {
		if current, ok := dst[id]; !ok || date.Before(current) {
			dst[id] = date
		}
	}
}

// scanEarliest folds the minimum parsable date per patient over one set of
// shard files. Rows with unparseable dates contribute nothing; the washout
// is defined over dated records only.
func scanEarliest(paths []string, idCol, dateCol string) (map[string]Date, error) {
	result := parallel.RangeReduce(0, len(paths), 0, func(low, high int) interface{} {
		local := &earliestResult{earliest: map[string]Date{}}
		for i := low; i < high; i++ {
			rows, err := desc.OpenShard(paths[i])
			if err != nil {
				local.err = err
				return local
			}
			cols, err := rows.Cols(idCol, dateCol)
			if err != nil {
				rows.Close()
				local.err = err
				return local
			}
			for {
				record, err := rows.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					rows.Close()
					local.err = err
					return local
				}
				date, err := ParseDate(strings.TrimSpace(record[cols[1]]))
				if err != nil {
					continue
				}
				id := strings.TrimSpace(record[cols[0]])
				if current, ok := local.earliest[id]; !ok || date.Before(current) {
					local.earliest[id] = date
				}
			}
			rows.Close()
		}
		return local
	}, func(a, b interface{}) interface{} {
		r1 := a.(*earliestResult)
		r2 := b.(*earliestResult)
		if r1.err != nil {
			return r1
		}
		if r2.err != nil {
			return r2
		}
		mergeEarliest(r1.earliest, r2.earliest)
		return r1
	}).(*earliestResult)
	if result.err != nil {
		return nil, result.err
	}
	return result.earliest, nil
}

// EarliestRecordDates returns each patient's earliest dated record across
// the disease shards, the prescription-date shards, and the health-checkup
// tables. The membership ledger carries no event dates and is excluded.
func EarliestRecordDates(store *desc.Store) (map[string]Date, error) {
	earliest := map[string]Date{}

	diseaseShards, err := store.Shards(desc.DiseaseShardDir)
	if err != nil {
		return nil, err
	}
	fromDiseases, err := scanEarliest(diseaseShards, "kojin_id", "sinryo_start_ymd")
	if err != nil {
		return nil, err
	}
	mergeEarliest(earliest, fromDiseases)

	santeiShards, err := store.Shards(desc.SanteiShardDir)
	if err != nil {
		return nil, err
	}
	fromSantei, err := scanEarliest(santeiShards, "kojin_id", "shohou_ymd")
	if err != nil {
		return nil, err
	}
	mergeEarliest(earliest, fromSantei)

	for _, table := range []struct{ name, dateCol string }{
		{desc.ExamTable, "exam_ymd"},
		{desc.LabTable, "exam_ymd"},
		{desc.SurveyTable, "survey_ymd"},
	} {
		rows, err := store.OpenTable(table.name)
		if err != nil {
			return nil, err
		}
		path := rows.Path
		rows.Close()
		fromTable, err := scanEarliest([]string{path}, "kojin_id", table.dateCol)
		if err != nil {
			return nil, err
		}
		mergeEarliest(earliest, fromTable)
	}
	return earliest, nil
}

// ComputeWashout fills in each index record's washout: the number of whole
// weeks between the patient's earliest dated record and the index date. A
// patient whose index event is their first-ever record has washout 0.
func ComputeWashout(index map[string]*IndexRecord, earliest map[string]Date) {
	for id, record := range index {
		first, ok := earliest[id]
		if !ok || !first.Before(record.IndexDate) {
			record.WashoutWeeks = 0
			continue
		}
		record.WashoutWeeks = record.IndexDate.WholeWeeksSince(first)
	}
}

// ApplyStudyPeriod removes patients whose index date falls outside
// [start, end] and returns how many were removed.
func ApplyStudyPeriod(index map[string]*IndexRecord, start, end Date) int {
	excluded := 0
	for id, record := range index {
		if record.IndexDate.Before(start) || record.IndexDate.After(end) {
			delete(index, id)
			excluded++
		}
	}
	return excluded
}

// Cohort names, in reporting order.
const (
	CohortPrimary      = "primary"
	CohortSensitivity1 = "sensitivity1"
	CohortSensitivity2 = "sensitivity2"
)

// CohortThresholds maps each cohort to its minimum washout in whole weeks.
type CohortThresholds struct {
	Primary      int
	Sensitivity1 int
	Sensitivity2 int
}

// DefaultThresholds are the study's washout requirements: one year for the
// primary cohort, half a year and three years for the sensitivity cohorts.
var DefaultThresholds = CohortThresholds{
	Primary:      52,
	Sensitivity1: 26,
	Sensitivity2: 156,
}

// AssignCohorts partitions the index patients into overlapping cohorts by
// washout threshold. Members are returned sorted by kojin_id.
func AssignCohorts(index map[string]*IndexRecord, thresholds CohortThresholds) map[string][]string {
	cohorts := map[string][]string{
		CohortPrimary:      {},
		CohortSensitivity1: {},
		CohortSensitivity2: {},
	}
	for _, id := range sortedPatientIDs(index) {
		weeks := index[id].WashoutWeeks
		if weeks >= thresholds.Primary {
			cohorts[CohortPrimary] = append(cohorts[CohortPrimary], id)
		}
		if weeks >= thresholds.Sensitivity1 {
			cohorts[CohortSensitivity1] = append(cohorts[CohortSensitivity1], id)
		}
		if weeks >= thresholds.Sensitivity2 {
			cohorts[CohortSensitivity2] = append(cohorts[CohortSensitivity2], id)
		}
	}
	return cohorts
}

type comorbidityResult struct {
	flags map[string]map[string]bool
	err   error
}

// ComorbidityFlags scans the disease shards for each index patient's
// non-suspected diagnoses at or before their index date and flags the
// comorbidity concepts whose code sets they hit. The result maps kojin_id
// to the set of concept names present at baseline.
func ComorbidityFlags(store *desc.Store, index map[string]*IndexRecord, conceptSets map[string]map[string]bool) (map[string]map[string]bool, error) {
	shards, err := store.Shards(desc.DiseaseShardDir)
	if err != nil {
		return nil, err
	}
	result := parallel.RangeReduce(0, len(shards), 0, func(low, high int) interface{} {
		local := &comorbidityResult{flags: map[string]map[string]bool{}}
		for i := low; i < high; i++ {
			rows, err := desc.OpenShard(shards[i])
			if err != nil {
				local.err = err
				return local
			}
			cols, err := rows.Cols("kojin_id", "diseases_code", "sinryo_start_ymd", "utagai_flg")
			if err != nil {
				rows.Close()
				local.err = err
				return local
			}
			for {
				record, err := rows.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					rows.Close()
					local.err = err
					return local
				}
				id := strings.TrimSpace(record[cols[0]])
				patient, ok := index[id]
				if !ok {
					continue
				}
				if strings.TrimSpace(record[cols[3]]) == "1" {
					continue
				}
				date, err := ParseDate(strings.TrimSpace(record[cols[2]]))
				if err != nil || date.After(patient.IndexDate) {
					continue
				}
				code := strings.TrimSpace(record[cols[1]])
				for concept, set := range conceptSets {
					if set[code] {
						if local.flags[id] == nil {
							local.flags[id] = map[string]bool{}
						}
						local.flags[id][concept] = true
					}
				}
			}
			rows.Close()
		}
		return local
	}, func(a, b interface{}) interface{} {
		r1 := a.(*comorbidityResult)
		r2 := b.(*comorbidityResult)
		if r1.err != nil {
			return r1
		}
		if r2.err != nil {
			return r2
		}
		for id, concepts := range r2.flags {
			if r1.flags[id] == nil {
				r1.flags[id] = concepts
				continue
			}
			for concept := range concepts {
				r1.flags[id][concept] = true
			}
		}
		return r1
	}).(*comorbidityResult)
	if result.err != nil {
		return nil, result.err
	}
	return result.flags, nil
}

func sortedPatientIDs(index map[string]*IndexRecord) []string {
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
