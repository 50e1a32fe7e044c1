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
	"fmt"
	"strconv"
	"time"
)

// Date represents the date of a claims record, with fields for the year,
// month, and day of occurrence. DeSC tables store dates as yyyy/mm/dd
// strings; both "/" and "-" separators are accepted on parse.
type Date struct {
	Year, Month, Day int
}

// ParseDate parses a yyyy/mm/dd or yyyy-mm-dd date string.
func ParseDate(s string) (Date, error) {
	if len(s) != 10 || (s[4] != '/' && s[4] != '-') || s[7] != s[4] {
		return Date{}, fmt.Errorf("malformed date %q", s)
	}
	year, err := strconv.Atoi(s[0:4])
	if err != nil {
		return Date{}, fmt.Errorf("malformed date %q", s)
	}
	month, err := strconv.Atoi(s[5:7])
	if err != nil {
		return Date{}, fmt.Errorf("malformed date %q", s)
	}
	day, err := strconv.Atoi(s[8:10])
	if err != nil {
		return Date{}, fmt.Errorf("malformed date %q", s)
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return Date{}, fmt.Errorf("date %q out of range", s)
	}
	// time.Date normalizes overflow (Feb 31 becomes Mar 2/3); a date that
	// does not round-trip is not a real calendar date. Letting one through
	// would make field comparison and day arithmetic disagree.
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return Date{}, fmt.Errorf("date %q out of range", s)
	}
	return Date{Year: year, Month: month, Day: day}, nil
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Before reports whether d occurs strictly before d2.
func (d Date) Before(d2 Date) bool {
	if d.Year != d2.Year {
		return d.Year < d2.Year
	}
	if d.Month != d2.Month {
		return d.Month < d2.Month
	}
	return d.Day < d2.Day
}

// After reports whether d occurs strictly after d2.
func (d Date) After(d2 Date) bool {
	return d2.Before(d)
}

// Equal compares two dates for equality in terms of year, month, and day.
func (d Date) Equal(d2 Date) bool {
	return d.Year == d2.Year && d.Month == d2.Month && d.Day == d2.Day
}

// Time converts d to a time.Time at midnight UTC.
func (d Date) Time() time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
}

func fromTime(t time.Time) Date {
	return Date{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

// AddDays returns the date n days after d (before, for negative n).
func (d Date) AddDays(n int) Date {
	return fromTime(d.Time().AddDate(0, 0, n))
}

// AddWeeks returns the date n whole weeks after d.
func (d Date) AddWeeks(n int) Date {
	return d.AddDays(7 * n)
}

// AddMonths returns the date n calendar months after d, normalized the way
// time.AddDate normalizes (Jan 31 + 1 month = Mar 2/3).
func (d Date) AddMonths(n int) Date {
	return fromTime(d.Time().AddDate(0, n, 0))
}

// DaysSince returns the number of days from d2 to d; negative when d is
// earlier than d2.
func (d Date) DaysSince(d2 Date) int {
	return int(d.Time().Sub(d2.Time()).Hours() / 24)
}

// WholeWeeksSince returns the number of complete weeks from d2 to d.
func (d Date) WholeWeeksSince(d2 Date) int {
	return d.DaysSince(d2) / 7
}

// String formats d in the DeSC yyyy/mm/dd form.
func (d Date) String() string {
	return fmt.Sprintf("%04d/%02d/%02d", d.Year, d.Month, d.Day)
}
