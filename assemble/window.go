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

// Package assemble turns per-patient index events, treatment groups, and the
// health-checkup tables into the analysis-ready baseline and longitudinal
// datasets.
package assemble

import "descohort/cohort"

// Window is one of the four observation windows anchored on a patient's
// index date.
type Window int

const (
	WindowPreIndex Window = iota
	WindowPostIndex
	WindowYear1
	WindowYear2
)

// Windows lists the observation windows in output order.
var Windows = []Window{WindowPreIndex, WindowPostIndex, WindowYear1, WindowYear2}

func (w Window) String() string {
	switch w {
	case WindowPreIndex:
		return "pre_index"
	case WindowPostIndex:
		return "post_index"
	case WindowYear1:
		return "year1"
	case WindowYear2:
		return "year2"
	}
	return "unknown"
}

// Span returns the window's inclusive date bounds and its reference date for
// one index date. The pre-index window ends the day before the index so the
// index day itself always counts as post-index.
func (w Window) Span(index cohort.Date) (start, end, ref cohort.Date) {
	switch w {
	case WindowPreIndex:
		return index.AddMonths(-24), index.AddDays(-1), index
	case WindowPostIndex:
		return index, index.AddMonths(6), index
	case WindowYear1:
		return index.AddMonths(9), index.AddMonths(18), index.AddMonths(12)
	case WindowYear2:
		return index.AddMonths(21), index.AddMonths(30), index.AddMonths(24)
	}
	return index, index, index
}
