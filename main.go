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
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"descohort/assemble"
	"descohort/codes"
	"descohort/cohort"
	"descohort/config"
	"descohort/desc"
	"descohort/output"
)

/*
Descohort builds retrospective alcohol-dependence cohorts from a DeSC
claims-database export.

Usage:

	descohort run --input <export dir> --output <dataset dir> [--config file]

The pipeline extracts each patient's earliest confirmed F10.2 diagnosis as
the index event, computes the pre-index washout, assigns the primary and
sensitivity cohorts, classifies patients into drinking-reduction and
abstinence treatment groups from their post-index prescriptions, assembles
baseline and longitudinal health-checkup features around the index date, and
publishes columnar datasets plus a run manifest. On any fatal error no
dataset is published; a failure manifest records the cause.
*/
const programName = "descohort"

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           programName,
		Short:         "DeSC claims cohort construction pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand())
	return root
}

func runCommand() *cobra.Command {
	var inputDir, outputDir, configFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the cohort datasets from a DeSC export",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			if inputDir != "" {
				cfg.InputDir = inputDir
			}
			if outputDir != "" {
				cfg.OutputDir = outputDir
			}
			log := newLogger(cfg.LogLevel)
			if cfg.InputDir == "" || cfg.OutputDir == "" {
				err := fmt.Errorf("both --input and --output are required")
				log.Error().Err(err).Msg("invalid invocation")
				return err
			}
			manifest := output.NewManifest(cfg.InputDir)
			if err := run(cfg, manifest, log); err != nil {
				log.Error().Err(err).Msg("run failed")
				if werr := manifest.WriteFailure(cfg.OutputDir, err); werr != nil {
					log.Error().Err(werr).Msg("writing failure manifest")
				}
				return err
			}
			log.Info().Str("run_id", manifest.RunID).Str("output", cfg.OutputDir).Msg("datasets published")
			return nil
		},
	}
	cmd.Flags().StringVar(&inputDir, "input", "", "DeSC export directory")
	cmd.Flags().StringVar(&outputDir, "output", "", "dataset output directory")
	cmd.Flags().StringVar(&configFile, "config", "", "config file (default descohort.yaml if present)")
	return cmd
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Logger()
}

func run(cfg *config.Config, manifest *output.Manifest, log zerolog.Logger) error {
	store, err := desc.Open(cfg.InputDir, log)
	if err != nil {
		return err
	}
	manifest.ShardCounts = map[string]int{}
	for _, family := range []string{desc.DiseaseShardDir, desc.DrugShardDir, desc.SanteiShardDir} {
		shards, err := store.Shards(family)
		if err != nil {
			return err
		}
		manifest.ShardCounts[family] = len(shards)
	}

	diseases, err := codes.LoadDiseaseMaster(store)
	if err != nil {
		return err
	}
	drugs, err := codes.LoadDrugMaster(store)
	if err != nil {
		return err
	}
	targetCodes, err := diseases.Codes(codes.AlcoholDependenceICD10)
	if err != nil {
		return err
	}
	classMap, err := codes.BuildDrugClassMap(drugs)
	if err != nil {
		return err
	}
	conceptSets, err := codes.BuildComorbiditySets(diseases)
	if err != nil {
		return err
	}

	index, skipped, err := cohort.ExtractIndexEvents(store, targetCodes, log)
	if err != nil {
		return err
	}
	manifest.SkippedRows = skipped

	earliest, err := cohort.EarliestRecordDates(store)
	if err != nil {
		return err
	}
	cohort.ComputeWashout(index, earliest)

	start, end, err := cfg.StudyPeriod()
	if err != nil {
		return err
	}
	manifest.StudyPeriodExcluded = cohort.ApplyStudyPeriod(index, start, end)
	manifest.IndexPatients = len(index)

	cohorts := cohort.AssignCohorts(index, cfg.Thresholds())
	manifest.CohortCounts = map[string]int{}
	for name, members := range cohorts {
		manifest.CohortCounts[name] = len(members)
	}

	groups, err := cohort.ClassifyTreatments(store, index, classMap, cfg.ClassifyWindowWeeks, log)
	if err != nil {
		return err
	}
	manifest.TreatmentCounts = map[string]int{}
	for _, group := range groups {
		manifest.TreatmentCounts[group.String()]++
	}

	comorbidities, err := cohort.ComorbidityFlags(store, index, conceptSets)
	if err != nil {
		return err
	}
	demo, err := assemble.LoadDemographics(store)
	if err != nil {
		return err
	}
	tables, err := assemble.LoadExamTables(store)
	if err != nil {
		return err
	}

	conceptNames := make([]string, 0, len(codes.ComorbidityConcepts))
	for _, concept := range codes.ComorbidityConcepts {
		conceptNames = append(conceptNames, concept.Name)
	}
	baseline := assemble.BuildBaseline(index, groups, demo, comorbidities, conceptNames, tables, log)
	longitudinal := assemble.BuildRows(index, groups, tables, log)

	return output.Publish(cfg.OutputDir, baseline, longitudinal, cohorts, manifest, log)
}
