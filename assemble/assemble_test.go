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
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"descohort/cohort"
)

func day(y, m, d int) cohort.Date { return cohort.Date{Year: y, Month: m, Day: d} }

func fakeTable(name string, col string, records map[string][]Record) *TableIndex {
	return &TableIndex{Name: name, Columns: []string{col}, byPatient: records}
}

func TestWindowSpans(t *testing.T) {
	index := day(2020, 3, 1)
	cases := []struct {
		window          Window
		start, end, ref cohort.Date
	}{
		{WindowPreIndex, day(2018, 3, 1), day(2020, 2, 29), day(2020, 3, 1)},
		{WindowPostIndex, day(2020, 3, 1), day(2020, 9, 1), day(2020, 3, 1)},
		{WindowYear1, day(2020, 12, 1), day(2021, 9, 1), day(2021, 3, 1)},
		{WindowYear2, day(2021, 12, 1), day(2022, 9, 1), day(2022, 3, 1)},
	}
	for _, c := range cases {
		start, end, ref := c.window.Span(index)
		if !start.Equal(c.start) || !end.Equal(c.end) || !ref.Equal(c.ref) {
			t.Errorf("%s span = [%s, %s] ref %s, want [%s, %s] ref %s",
				c.window, start, end, ref, c.start, c.end, c.ref)
		}
	}
}

func TestResolveNearestToReference(t *testing.T) {
	table := fakeTable("exam_lab", "ast", map[string][]Record{
		"P1": {
			{Date: day(2020, 12, 15), Num: map[string]float64{"ast": 30}},
			{Date: day(2021, 2, 20), Num: map[string]float64{"ast": 35}},
			{Date: day(2021, 8, 1), Num: map[string]float64{"ast": 40}},
		},
	})
	start, end, ref := WindowYear1.Span(day(2020, 3, 1))
	record, ok := table.Resolve("P1", start, end, ref)
	if !ok {
		t.Fatal("no record resolved")
	}
	if record.Num["ast"] != 35 {
		t.Errorf("resolved ast = %v, want the record nearest 2021/03/01", record.Num["ast"])
	}
}

func TestResolveTieGoesEarlier(t *testing.T) {
	// Both records are 5 days from the reference date.
	table := fakeTable("exam_lab", "ast", map[string][]Record{
		"P1": {
			{Date: day(2021, 2, 24), Num: map[string]float64{"ast": 1}},
			{Date: day(2021, 3, 6), Num: map[string]float64{"ast": 2}},
		},
	})
	record, ok := table.Resolve("P1", day(2020, 12, 1), day(2021, 9, 1), day(2021, 3, 1))
	if !ok {
		t.Fatal("no record resolved")
	}
	if record.Num["ast"] != 1 {
		t.Errorf("tie resolved to ast = %v, want the earlier record", record.Num["ast"])
	}
}

func TestResolveOutsideSpan(t *testing.T) {
	table := fakeTable("exam_lab", "ast", map[string][]Record{
		"P1": {{Date: day(2019, 1, 1), Num: map[string]float64{"ast": 1}}},
	})
	if _, ok := table.Resolve("P1", day(2020, 3, 1), day(2020, 9, 1), day(2020, 3, 1)); ok {
		t.Error("record outside the span resolved")
	}
	if _, ok := table.Resolve("P2", day(2020, 3, 1), day(2020, 9, 1), day(2020, 3, 1)); ok {
		t.Error("unknown patient resolved")
	}
}

func TestBuildRowsNoFabrication(t *testing.T) {
	table := fakeTable("exam_lab", "ast", map[string][]Record{
		"P1": {{Date: day(2020, 4, 1), Num: map[string]float64{"ast": 33}}},
	})
	index := map[string]*cohort.IndexRecord{
		"P1": {KojinID: "P1", IndexDate: day(2020, 3, 1)},
	}
	groups := map[string]cohort.TreatmentGroup{"P1": cohort.GroupReduction}
	rows := BuildRows(index, groups, []*TableIndex{table}, zerolog.Nop())
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1: only the post-index window has data", len(rows))
	}
	row := rows[0]
	if row.Window != WindowPostIndex {
		t.Errorf("window = %v", row.Window)
	}
	if row.Values["exam_lab_ast"] != 33 {
		t.Errorf("exam_lab_ast = %v", row.Values["exam_lab_ast"])
	}
	if row.Values["exam_lab_days_from_index"] != 31 {
		t.Errorf("days_from_index = %v, want 31", row.Values["exam_lab_days_from_index"])
	}
	if row.Treatment != cohort.GroupReduction {
		t.Errorf("treatment = %v", row.Treatment)
	}
}

func TestBuildBaselinePrefersPostIndex(t *testing.T) {
	table := fakeTable("exam_interview", "weight_kg", map[string][]Record{
		"P1": {
			{Date: day(2020, 2, 1), Num: map[string]float64{"weight_kg": 80}},
			{Date: day(2020, 4, 1), Num: map[string]float64{"weight_kg": 75}},
		},
		"P2": {
			{Date: day(2020, 2, 1), Num: map[string]float64{"weight_kg": 90}},
		},
	})
	index := map[string]*cohort.IndexRecord{
		"P1": {KojinID: "P1", IndexDate: day(2020, 3, 1), WashoutWeeks: 60},
		"P2": {KojinID: "P2", IndexDate: day(2020, 3, 1), WashoutWeeks: 30},
	}
	groups := map[string]cohort.TreatmentGroup{
		"P1": cohort.GroupAbstinence,
		"P2": cohort.GroupUnclassified,
	}
	demo := map[string]Demographics{
		"P1": {BirthYear: 1980, BirthMonth: 6, SexCode: "1"},
	}
	comorbidities := map[string]map[string]bool{"P1": {"hypertension": true}}
	rows := BuildBaseline(index, groups, demo, comorbidities, []string{"hypertension"}, []*TableIndex{table}, zerolog.Nop())
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	p1 := rows[0]
	if p1.KojinID != "P1" {
		t.Fatalf("rows not sorted by kojin_id: %v", p1.KojinID)
	}
	if p1.Values["exam_interview_weight_kg"] != 75 {
		t.Errorf("P1 weight = %v, want the post-index measurement", p1.Values["exam_interview_weight_kg"])
	}
	if p1.Values["age_at_index"] != 39 {
		t.Errorf("P1 age = %v, want 39", p1.Values["age_at_index"])
	}
	if p1.Values["comorbid_hypertension"] != 1 {
		t.Errorf("P1 comorbid_hypertension = %v", p1.Values["comorbid_hypertension"])
	}
	if p1.Values["washout_weeks"] != 60 {
		t.Errorf("P1 washout = %v", p1.Values["washout_weeks"])
	}
	p2 := rows[1]
	if p2.Values["exam_interview_weight_kg"] != 90 {
		t.Errorf("P2 weight = %v, want the pre-index fallback", p2.Values["exam_interview_weight_kg"])
	}
	if p2.Values["comorbid_hypertension"] != 0 {
		t.Errorf("P2 comorbid_hypertension = %v, want 0", p2.Values["comorbid_hypertension"])
	}
	if _, ok := p2.Values["age_at_index"]; ok {
		t.Error("P2 age fabricated without ledger demographics")
	}
}

func TestParseBirthYM(t *testing.T) {
	for _, s := range []string{"1980/06", "1980-06", "198006"} {
		year, month, ok := parseBirthYM(s)
		if !ok || year != 1980 || month != 6 {
			t.Errorf("parseBirthYM(%q) = %d, %d, %v", s, year, month, ok)
		}
	}
	if _, _, ok := parseBirthYM("1980"); ok {
		t.Error("parseBirthYM accepted a bare year")
	}
}

func TestAgeAtIndex(t *testing.T) {
	d := Demographics{BirthYear: 1980, BirthMonth: 6}
	if age := d.AgeAtIndex(day(2020, 3, 1)); age != 39 {
		t.Errorf("age before birthday month = %d, want 39", age)
	}
	if age := d.AgeAtIndex(day(2020, 6, 1)); age != 40 {
		t.Errorf("age in birthday month = %d, want 40", age)
	}
	if age := (Demographics{}).AgeAtIndex(day(2020, 3, 1)); age != -1 {
		t.Errorf("age without birth year = %d, want -1", age)
	}
}

func TestBuildRowsLogsCounts(t *testing.T) {
	table := fakeTable("exam_lab", "ast", map[string][]Record{
		"P1": {{Date: day(2020, 4, 1), Num: map[string]float64{"ast": 33}}},
	})
	index := map[string]*cohort.IndexRecord{
		"P1": {KojinID: "P1", IndexDate: day(2020, 3, 1)},
	}
	groups := map[string]cohort.TreatmentGroup{"P1": cohort.GroupReduction}
	var buf bytes.Buffer
	BuildRows(index, groups, []*TableIndex{table}, zerolog.New(&buf))
	logged := buf.String()
	if !strings.Contains(logged, `"patients":1`) || !strings.Contains(logged, `"rows":1`) {
		t.Errorf("log output = %q, want patient and row counts", logged)
	}
	buf.Reset()
	BuildBaseline(index, groups, nil, nil, nil, []*TableIndex{table}, zerolog.New(&buf))
	if !strings.Contains(buf.String(), `"patients":1`) {
		t.Errorf("log output = %q, want patient count", buf.String())
	}
}

func TestBuildBaselineKeepsWholeRecords(t *testing.T) {
	// The post-index record has no weight reading; the feature stays null
	// rather than backfilling from the pre-index record.
	table := fakeTable("exam_interview", "weight_kg", map[string][]Record{
		"P1": {
			{Date: day(2020, 2, 1), Num: map[string]float64{"weight_kg": 80}},
			{Date: day(2020, 4, 1), Num: map[string]float64{}},
		},
	})
	index := map[string]*cohort.IndexRecord{
		"P1": {KojinID: "P1", IndexDate: day(2020, 3, 1)},
	}
	groups := map[string]cohort.TreatmentGroup{"P1": cohort.GroupUnclassified}
	rows := BuildBaseline(index, groups, nil, nil, nil, []*TableIndex{table}, zerolog.Nop())
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if _, ok := rows[0].Values["exam_interview_weight_kg"]; ok {
		t.Error("weight filled from the pre-index record across records")
	}
	if rows[0].Values["exam_interview_days_from_index"] != 31 {
		t.Errorf("days_from_index = %v, want the post-index record", rows[0].Values["exam_interview_days_from_index"])
	}
}
