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

// Package output writes the analysis datasets in a columnar layout: one
// gzip-compressed little-endian binary file per column, a dtypes.json
// describing each column's type, and a codes.json with the factor level
// maps. Float columns mark missing values with NaN; factor columns with
// code -1. The whole output directory is staged and renamed into place so
// a failed run never publishes a partial dataset.
package output

import (
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"descohort/assemble"
	"descohort/utils"
)

// FloatCol is one float64 column; NaN entries are missing.
type FloatCol struct {
	Name   string
	Values []float64
}

// FactorCol is one categorical column; empty-string entries are missing and
// encode as -1.
type FactorCol struct {
	Name   string
	Values []string
}

// Dataset is a fully materialized columnar dataset. All columns have the
// same length.
type Dataset struct {
	Floats  []FloatCol
	Factors []FactorCol
}

// factorCodes assigns dense codes to the sorted distinct non-empty levels
// of a factor column.
func factorCodes(values []string) map[string]int {
	levels := map[string]bool{}
	for _, v := range values {
		if v != "" {
			levels[v] = true
		}
	}
	codes := make(map[string]int, len(levels))
	for i, level := range utils.SortedKeys(levels) {
		codes[level] = i
	}
	return codes
}

func writeColumn(dir, name string, write func(*gzip.Writer) error) error {
	path := filepath.Join(dir, name+".bin.gz")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	z := gzip.NewWriter(f)
	if err := write(z); err != nil {
		z.Close()
		f.Close()
		return fmt.Errorf("writing column %s: %w", name, err)
	}
	if err := z.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write materializes the dataset under dir, creating it.
func (d *Dataset) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dtypes := map[string]string{}
	levelMaps := map[string]map[string]int{}
	for _, col := range d.Floats {
		dtypes[col.Name] = "float64"
		err := writeColumn(dir, col.Name, func(z *gzip.Writer) error {
			return binary.Write(z, binary.LittleEndian, col.Values)
		})
		if err != nil {
			return err
		}
	}
	for _, col := range d.Factors {
		dtypes[col.Name] = "factor"
		codes := factorCodes(col.Values)
		levelMaps[col.Name] = codes
		encoded := make([]int64, len(col.Values))
		for i, v := range col.Values {
			if v == "" {
				encoded[i] = -1
				continue
			}
			encoded[i] = int64(codes[v])
		}
		err := writeColumn(dir, col.Name, func(z *gzip.Writer) error {
			return binary.Write(z, binary.LittleEndian, encoded)
		})
		if err != nil {
			return err
		}
	}
	if err := writeJSON(filepath.Join(dir, "dtypes.json"), dtypes); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "codes.json"), levelMaps)
}

func writeJSON(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// floatColumnNames returns the sorted union of feature names across rows.
func floatColumnNames(valueMaps []map[string]float64) []string {
	names := map[string]bool{}
	for _, values := range valueMaps {
		for name := range values {
			names[name] = true
		}
	}
	return utils.SortedKeys(names)
}

// BuildBaselineDataset lays out baseline rows columnwise. Rows must already
// be sorted by kojin_id.
func BuildBaselineDataset(rows []assemble.BaselineRow) *Dataset {
	valueMaps := make([]map[string]float64, len(rows))
	factorNames := map[string]bool{}
	for i, row := range rows {
		valueMaps[i] = row.Values
		for name := range row.Factors {
			factorNames[name] = true
		}
	}
	ds := &Dataset{}
	ids := FactorCol{Name: "kojin_id", Values: make([]string, len(rows))}
	for i, row := range rows {
		ids.Values[i] = row.KojinID
	}
	ds.Factors = append(ds.Factors, ids)
	for _, name := range utils.SortedKeys(factorNames) {
		col := FactorCol{Name: name, Values: make([]string, len(rows))}
		for i, row := range rows {
			col.Values[i] = row.Factors[name]
		}
		ds.Factors = append(ds.Factors, col)
	}
	for _, name := range floatColumnNames(valueMaps) {
		col := FloatCol{Name: name, Values: make([]float64, len(rows))}
		for i, values := range valueMaps {
			if v, ok := values[name]; ok {
				col.Values[i] = v
			} else {
				col.Values[i] = math.NaN()
			}
		}
		ds.Floats = append(ds.Floats, col)
	}
	return ds
}

// BuildLongitudinalDataset lays out longitudinal rows columnwise. Rows must
// already be sorted by (kojin_id, window).
func BuildLongitudinalDataset(rows []assemble.Row) *Dataset {
	valueMaps := make([]map[string]float64, len(rows))
	for i, row := range rows {
		valueMaps[i] = row.Values
	}
	ds := &Dataset{}
	ids := FactorCol{Name: "kojin_id", Values: make([]string, len(rows))}
	windows := FactorCol{Name: "window", Values: make([]string, len(rows))}
	treatment := FloatCol{Name: "treatment_group", Values: make([]float64, len(rows))}
	for i, row := range rows {
		ids.Values[i] = row.KojinID
		windows.Values[i] = row.Window.String()
		treatment.Values[i] = float64(row.Treatment)
	}
	ds.Factors = append(ds.Factors, ids, windows)
	ds.Floats = append(ds.Floats, treatment)
	for _, name := range floatColumnNames(valueMaps) {
		col := FloatCol{Name: name, Values: make([]float64, len(rows))}
		for i, values := range valueMaps {
			if v, ok := values[name]; ok {
				col.Values[i] = v
			} else {
				col.Values[i] = math.NaN()
			}
		}
		ds.Floats = append(ds.Floats, col)
	}
	return ds
}

// CohortSlice restricts baseline and longitudinal rows to one cohort's
// members, preserving order.
func CohortSlice(baseline []assemble.BaselineRow, longitudinal []assemble.Row, members []string) ([]assemble.BaselineRow, []assemble.Row) {
	keep := make(map[string]bool, len(members))
	for _, id := range members {
		keep[id] = true
	}
	var b []assemble.BaselineRow
	for _, row := range baseline {
		if keep[row.KojinID] {
			b = append(b, row)
		}
	}
	var l []assemble.Row
	for _, row := range longitudinal {
		if keep[row.KojinID] {
			l = append(l, row)
		}
	}
	return b, l
}

// Publish writes every cohort's baseline and longitudinal datasets plus the
// manifest under outDir. The whole tree is staged at outDir+".tmp" and
// renamed on success. An existing outDir is an error; runs never overwrite
// published datasets.
func Publish(outDir string, baseline []assemble.BaselineRow, longitudinal []assemble.Row, cohorts map[string][]string, manifest *Manifest, log zerolog.Logger) error {
	if _, err := os.Stat(outDir); err == nil {
		return fmt.Errorf("output directory %s already exists", outDir)
	}
	staging := outDir + ".tmp"
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	variants := map[string][]string{"all": nil}
	for name, members := range cohorts {
		variants[name] = members
	}
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b, l := baseline, longitudinal
		if name != "all" {
			b, l = CohortSlice(baseline, longitudinal, variants[name])
		}
		if err := BuildBaselineDataset(b).Write(filepath.Join(staging, name, "baseline")); err != nil {
			return err
		}
		if err := BuildLongitudinalDataset(l).Write(filepath.Join(staging, name, "longitudinal")); err != nil {
			return err
		}
		log.Info().
			Str("variant", name).
			Int("baseline_rows", len(b)).
			Int("longitudinal_rows", len(l)).
			Msg("wrote datasets")
	}
	if err := writeJSON(filepath.Join(staging, "manifest.json"), manifest); err != nil {
		return err
	}
	return os.Rename(staging, outDir)
}
