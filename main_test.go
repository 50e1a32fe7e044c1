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

package main

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"descohort/config"
	"descohort/desc"
	"descohort/output"
)

func writeExportFile(t *testing.T, dir, rel string, rows ...string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(rows, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

// fixtureExport lays out a small but complete DeSC export: two index
// patients, a pre-index history giving one of them a 60-week washout and a
// hypertension flag, post-index prescriptions for both treatment classes,
// and checkup measurements on both sides of the index date.
func fixtureExport(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeExportFile(t, dir, desc.ICD10Master+".csv",
		"icd10_code,icd10_kbn_code,diseases_code",
		"F102,1,8842167",
		"I10,1,4320001",
		"E11,1,2500001",
		"E78,1,2710001",
		"F32,1,7320001",
	)
	writeExportFile(t, dir, desc.DrugATCMaster+".csv",
		"atc_code,drug_code",
		"N07BB05,620001",
		"N07BB03,620010",
		"N07BB01,620020",
	)
	diseaseHeader := "kojin_id,receipt_id,receipt_ym,diseases_code,sinryo_start_ymd,shubyomei_flg,tenki_kbn_code,utagai_flg"
	writeExportFile(t, dir, filepath.Join(desc.DiseaseShardDir, "receipt_diseases_201901.csv"),
		diseaseHeader,
		"P1,R1,201901,4320001,2019/01/01,1,1,0",
	)
	writeExportFile(t, dir, filepath.Join(desc.DiseaseShardDir, "receipt_diseases_202003.csv"),
		diseaseHeader,
		"P1,R2,202003,8842167,2020/03/01,1,1,0",
		"P2,R3,202003,8842167,2020/03/05,1,1,0",
	)
	writeExportFile(t, dir, filepath.Join(desc.DrugShardDir, "receipt_drug_202003.csv"),
		"kojin_id,receipt_id,line_no,drug_code",
		"P1,R10,1,620010",
		"P2,R11,1,620001",
	)
	writeExportFile(t, dir, filepath.Join(desc.SanteiShardDir, "receipt_drug_santei_ymd_202003.csv"),
		"kojin_id,receipt_id,line_no,shohou_ymd",
		"P1,R10,1,2020/03/10",
		"P2,R11,1,2020/03/20",
	)
	writeExportFile(t, dir, desc.TekiyoTable+".csv",
		"kojin_id,birth_ym,sex_code,honin_kazoku_code,insurer_shubetsu,kazoku_id,oyako_id,chiiki_code",
		"P1,1980/06,1,1,01,K1,O1,13",
		"P2,1975/01,2,2,02,K2,O2,27",
	)
	writeExportFile(t, dir, desc.ExamTable+".csv",
		"kojin_id,exam_ymd,height_cm,weight_kg,bmi,sbp,dbp,waist_cm",
		"P1,2020/02/01,170,80,27.7,130,85,90",
		"P1,2020/04/01,170,75,26.0,125,82,88",
	)
	writeExportFile(t, dir, desc.LabTable+".csv",
		"kojin_id,exam_ymd,ast,alt,gamma_gtp,hdl,ldl,triglyceride,hba1c",
		"P2,2020/05/01,30,25,55,60,120,100,5.5",
	)
	writeExportFile(t, dir, desc.SurveyTable+".csv",
		"kojin_id,survey_ymd,drink_freq_code,drink_amount_code,smoking_flg,exercise_flg,sleep_rest_flg")
	return dir
}

func runPipeline(t *testing.T, inputDir, outputDir string) {
	t.Helper()
	cfg := &config.Config{
		InputDir:                 inputDir,
		OutputDir:                outputDir,
		WashoutPrimaryWeeks:      52,
		WashoutSensitivity1Weeks: 26,
		WashoutSensitivity2Weeks: 156,
		ClassifyWindowWeeks:      12,
		StudyPeriodStart:         "2014/04/01",
		StudyPeriodEnd:           "2023/09/30",
	}
	if err := run(cfg, output.NewManifest(inputDir), zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
}

// datasetFiles maps each published file's path relative to dir to its
// contents, excluding the manifest, which carries the run id and timestamp.
func datasetFiles(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	files := map[string][]byte{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "manifest.json" {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = content
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func TestRunIsDeterministic(t *testing.T) {
	export := fixtureExport(t)
	outDir := t.TempDir()
	out1 := filepath.Join(outDir, "run1")
	out2 := filepath.Join(outDir, "run2")
	runPipeline(t, export, out1)
	runPipeline(t, export, out2)

	files1 := datasetFiles(t, out1)
	files2 := datasetFiles(t, out2)
	if len(files1) == 0 {
		t.Fatal("first run published no files")
	}
	if len(files1) != len(files2) {
		t.Fatalf("runs published %d and %d files", len(files1), len(files2))
	}
	for rel, content := range files1 {
		other, ok := files2[rel]
		if !ok {
			t.Errorf("second run missing %s", rel)
			continue
		}
		if !bytes.Equal(content, other) {
			t.Errorf("%s differs between runs", rel)
		}
	}
}

func TestRunPublishesCohortDatasets(t *testing.T) {
	export := fixtureExport(t)
	out := filepath.Join(t.TempDir(), "run")
	runPipeline(t, export, out)
	for _, rel := range []string{
		filepath.Join("all", "baseline", "dtypes.json"),
		filepath.Join("all", "longitudinal", "dtypes.json"),
		filepath.Join("primary", "baseline", "kojin_id.bin.gz"),
		filepath.Join("sensitivity2", "baseline", "dtypes.json"),
		"manifest.json",
	} {
		if _, err := os.Stat(filepath.Join(out, rel)); err != nil {
			t.Errorf("missing %s", rel)
		}
	}
}
