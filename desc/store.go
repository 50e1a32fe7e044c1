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

// Package desc provides read-only access to a DeSC claims-database export:
// sharded receipt tables, the insurance ledger, health-checkup tables, and
// the code masters. Shards are csv or gzip-compressed csv files with a
// header row. All shard enumeration is in lexicographic filename order so
// that shard indexes form a stable total order across runs.
package desc

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// DataSourceError reports a required shard or table that is missing or
// unreadable. It is fatal for the whole run: partial cohorts must never be
// produced from an incomplete claims snapshot.
type DataSourceError struct {
	Path string
	Err  error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("data source %s: %v", e.Path, e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

// Shard family and table names of the DeSC export consumed by the pipeline.
// The exam/interview column binding is declared here in one place so it can
// be revalidated against the production data-definition document without
// touching the assembly logic.
const (
	DiseaseShardDir = "receipt_diseases"
	DrugShardDir    = "receipt_drug"
	SanteiShardDir  = "receipt_drug_santei_ymd"

	TekiyoTable = "tekiyo"
	ExamTable   = "exam_interview"
	LabTable    = "exam_lab"
	SurveyTable = "exam_survey"

	ICD10Master   = "m_icd10"
	DrugATCMaster = "m_drug_who_atc"
)

// Store provides access to one DeSC export directory.
type Store struct {
	dir string
	log zerolog.Logger
}

// Open validates that dir exists and returns a Store over it.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &DataSourceError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &DataSourceError{Path: dir, Err: fmt.Errorf("not a directory")}
	}
	return &Store{dir: dir, log: log}, nil
}

// Dir returns the export directory the store reads from.
func (s *Store) Dir() string { return s.dir }

// Shards lists the shard files of one shard family, sorted lexicographically.
// An absent or unlistable shard directory is a DataSourceError.
func (s *Store) Shards(family string) ([]string, error) {
	dir := filepath.Join(s.dir, family)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &DataSourceError{Path: dir, Err: err}
	}
	var shards []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, ".csv.gz") {
			shards = append(shards, filepath.Join(dir, name))
		}
	}
	sort.Strings(shards)
	if len(shards) == 0 {
		return nil, &DataSourceError{Path: dir, Err: fmt.Errorf("no shard files")}
	}
	s.log.Debug().Str("family", family).Int("shards", len(shards)).Msg("discovered shards")
	return shards, nil
}

// OpenTable opens a single named table at the export root, trying the plain
// and gzip-compressed variants.
func (s *Store) OpenTable(name string) (*Rows, error) {
	for _, ext := range []string{".csv", ".csv.gz"} {
		path := filepath.Join(s.dir, name+ext)
		if _, err := os.Stat(path); err == nil {
			return OpenShard(path)
		}
	}
	return nil, &DataSourceError{Path: filepath.Join(s.dir, name+".csv"), Err: os.ErrNotExist}
}

// Rows streams the records of one csv shard. The header row is consumed on
// open; columns are addressed by name through Col.
type Rows struct {
	Path    string
	file    *os.File
	gz      *gzip.Reader
	csv     *csv.Reader
	columns map[string]int
}

// OpenShard opens a shard file for streaming. Unreadable files and files
// without a parsable header are DataSourceErrors.
func OpenShard(path string) (*Rows, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &DataSourceError{Path: path, Err: err}
	}
	rows := &Rows{Path: path, file: file}
	var src io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, &DataSourceError{Path: path, Err: err}
		}
		rows.gz = gz
		src = gz
	}
	rows.csv = csv.NewReader(src)
	rows.csv.ReuseRecord = true
	header, err := rows.csv.Read()
	if err != nil {
		rows.Close()
		return nil, &DataSourceError{Path: path, Err: fmt.Errorf("reading header: %w", err)}
	}
	rows.columns = make(map[string]int, len(header))
	for i, name := range header {
		rows.columns[strings.TrimSpace(name)] = i
	}
	return rows, nil
}

// Col resolves a column name to its index in the records returned by Next.
// A schema that lacks an expected column is a DataSourceError.
func (r *Rows) Col(name string) (int, error) {
	idx, ok := r.columns[name]
	if !ok {
		return -1, &DataSourceError{Path: r.Path, Err: fmt.Errorf("missing column %q", name)}
	}
	return idx, nil
}

// Cols resolves several column names at once.
func (r *Rows) Cols(names ...string) ([]int, error) {
	idx := make([]int, len(names))
	for i, name := range names {
		j, err := r.Col(name)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	return idx, nil
}

// Next returns the next record, or io.EOF after the last one. The returned
// slice is reused between calls; callers must copy values they keep. A
// malformed record mid-file is a DataSourceError.
func (r *Rows) Next() ([]string, error) {
	record, err := r.csv.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, &DataSourceError{Path: r.Path, Err: err}
	}
	return record, nil
}

// Close releases the underlying file handles.
func (r *Rows) Close() error {
	if r.gz != nil {
		if err := r.gz.Close(); err != nil {
			r.file.Close()
			return err
		}
	}
	return r.file.Close()
}
