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
	"strings"

	"github.com/exascience/pargo/parallel"
	"github.com/rs/zerolog"

	"descohort/codes"
	"descohort/desc"
)

// TreatmentGroup is the therapy-goal assignment of one index patient,
// derived from the drugs prescribed in the weeks after the index event.
// The numeric values are the analysis dataset's group codes.
type TreatmentGroup int

const (
	GroupReduction    TreatmentGroup = 1
	GroupAbstinence   TreatmentGroup = 2
	GroupUnclassified TreatmentGroup = 3
)

func (g TreatmentGroup) String() string {
	switch g {
	case GroupReduction:
		return "reduction"
	case GroupAbstinence:
		return "abstinence"
	case GroupUnclassified:
		return "unclassified"
	}
	return "unknown"
}

// classPrecedence fixes the winner when a patient's earliest reduction and
// abstinence prescriptions fall on the same day.
var classPrecedence = []struct {
	class codes.TreatmentClass
	group TreatmentGroup
}{
	{codes.ClassReduction, GroupReduction},
	{codes.ClassAbstinence, GroupAbstinence},
}

func santeiKey(receiptID, lineNo string) string {
	return receiptID + "\x00" + lineNo
}

type santeiResult struct {
	dates map[string]Date
	err   error
}

// loadSanteiDates builds the (receipt_id, line_no) to prescription-date map
// from the santei shards. Rows without a parsable date stay unmapped; a drug
// row joining to them has no placeable prescription.
func loadSanteiDates(store *desc.Store) (map[string]Date, error) {
	shards, err := store.Shards(desc.SanteiShardDir)
	if err != nil {
		return nil, err
	}
	result := parallel.RangeReduce(0, len(shards), 0, func(low, high int) interface{} {
		local := &santeiResult{dates: map[string]Date{}}
		for i := low; i < high; i++ {
			rows, err := desc.OpenShard(shards[i])
			if err != nil {
				local.err = err
				return local
			}
			cols, err := rows.Cols("receipt_id", "line_no", "shohou_ymd")
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
				date, err := ParseDate(strings.TrimSpace(record[cols[2]]))
				if err != nil {
					continue
				}
				key := santeiKey(strings.TrimSpace(record[cols[0]]), strings.TrimSpace(record[cols[1]]))
				if current, ok := local.dates[key]; !ok || date.Before(current) {
					local.dates[key] = date
				}
			}
			rows.Close()
		}
		return local
	}, func(a, b interface{}) interface{} {
		r1 := a.(*santeiResult)
		r2 := b.(*santeiResult)
		if r1.err != nil {
			return r1
		}
		if r2.err != nil {
			return r2
		}
		for key, date := range r2.dates {
			if current, ok := r1.dates[key]; !ok || date.Before(current) {
				r1.dates[key] = date
			}
		}
		return r1
	}).(*santeiResult)
	if result.err != nil {
		return nil, result.err
	}
	return result.dates, nil
}

type classifyResult struct {
	earliest map[string]map[codes.TreatmentClass]Date
	err      error
}

// ClassifyTreatments assigns a treatment group to every index patient. A
// patient is grouped by the earliest study-drug prescription dated within
// windowWeeks weeks of their index date; same-day competitions resolve by
// class precedence; patients with no in-window study drug are unclassified.
func ClassifyTreatments(store *desc.Store, index map[string]*IndexRecord, classMap map[string]codes.TreatmentClass, windowWeeks int, log zerolog.Logger) (map[string]TreatmentGroup, error) {
	santeiDates, err := loadSanteiDates(store)
	if err != nil {
		return nil, err
	}
	shards, err := store.Shards(desc.DrugShardDir)
	if err != nil {
		return nil, err
	}
	result := parallel.RangeReduce(0, len(shards), 0, func(low, high int) interface{} {
		local := &classifyResult{earliest: map[string]map[codes.TreatmentClass]Date{}}
		for i := low; i < high; i++ {
			rows, err := desc.OpenShard(shards[i])
			if err != nil {
				local.err = err
				return local
			}
			cols, err := rows.Cols("kojin_id", "receipt_id", "line_no", "drug_code")
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
				class, ok := classMap[strings.TrimSpace(record[cols[3]])]
				if !ok {
					continue
				}
				id := strings.TrimSpace(record[cols[0]])
				patient, ok := index[id]
				if !ok {
					continue
				}
				date, ok := santeiDates[santeiKey(strings.TrimSpace(record[cols[1]]), strings.TrimSpace(record[cols[2]]))]
				if !ok {
					continue
				}
				windowEnd := patient.IndexDate.AddWeeks(windowWeeks)
				if date.Before(patient.IndexDate) || date.After(windowEnd) {
					continue
				}
				if local.earliest[id] == nil {
					local.earliest[id] = map[codes.TreatmentClass]Date{}
				}
				if current, ok := local.earliest[id][class]; !ok || date.Before(current) {
					local.earliest[id][class] = date
				}
			}
			rows.Close()
		}
		return local
	}, func(a, b interface{}) interface{} {
		r1 := a.(*classifyResult)
		r2 := b.(*classifyResult)
		if r1.err != nil {
			return r1
		}
		if r2.err != nil {
			return r2
		}
		for id, perClass := range r2.earliest {
			if r1.earliest[id] == nil {
				r1.earliest[id] = perClass
				continue
			}
			for class, date := range perClass {
				if current, ok := r1.earliest[id][class]; !ok || date.Before(current) {
					r1.earliest[id][class] = date
				}
			}
		}
		return r1
	}).(*classifyResult)
	if result.err != nil {
		return nil, result.err
	}

	groups := make(map[string]TreatmentGroup, len(index))
	counts := map[TreatmentGroup]int{}
	for id := range index {
		group := GroupUnclassified
		perClass := result.earliest[id]
		if len(perClass) > 0 {
			var best Date
			for _, date := range perClass {
				if best.IsZero() || date.Before(best) {
					best = date
				}
			}
			for _, rule := range classPrecedence {
				if date, ok := perClass[rule.class]; ok && date.Equal(best) {
					group = rule.group
					break
				}
			}
		}
		groups[id] = group
		counts[group]++
	}
	log.Info().
		Int("reduction", counts[GroupReduction]).
		Int("abstinence", counts[GroupAbstinence]).
		Int("unclassified", counts[GroupUnclassified]).
		Msg("classified treatments")
	return groups, nil
}
