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

// Package config loads the pipeline's run parameters from defaults, an
// optional descohort.yaml, and DESCOHORT_* environment variables, in
// increasing precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"descohort/cohort"
)

// Config holds every tunable of a pipeline run. The study-protocol values
// default to the published design; overriding them is for sensitivity
// analyses, not routine runs.
type Config struct {
	InputDir  string `mapstructure:"input_dir"`
	OutputDir string `mapstructure:"output_dir"`
	LogLevel  string `mapstructure:"log_level"`

	WashoutPrimaryWeeks      int `mapstructure:"washout_primary_weeks"`
	WashoutSensitivity1Weeks int `mapstructure:"washout_sensitivity1_weeks"`
	WashoutSensitivity2Weeks int `mapstructure:"washout_sensitivity2_weeks"`
	ClassifyWindowWeeks      int `mapstructure:"classify_window_weeks"`

	StudyPeriodStart string `mapstructure:"study_period_start"`
	StudyPeriodEnd   string `mapstructure:"study_period_end"`
}

// Load reads the configuration. configFile may be empty, in which case an
// optional descohort.yaml in the working directory is used if present.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetDefault("washout_primary_weeks", 52)
	v.SetDefault("washout_sensitivity1_weeks", 26)
	v.SetDefault("washout_sensitivity2_weeks", 156)
	v.SetDefault("classify_window_weeks", 12)
	v.SetDefault("study_period_start", "2014/04/01")
	v.SetDefault("study_period_end", "2023/09/30")

	v.SetEnvPrefix("DESCOHORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("descohort")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ClassifyWindowWeeks <= 0 {
		return fmt.Errorf("classify_window_weeks must be positive, got %d", c.ClassifyWindowWeeks)
	}
	for name, weeks := range map[string]int{
		"washout_primary_weeks":      c.WashoutPrimaryWeeks,
		"washout_sensitivity1_weeks": c.WashoutSensitivity1Weeks,
		"washout_sensitivity2_weeks": c.WashoutSensitivity2Weeks,
	} {
		if weeks < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, weeks)
		}
	}
	_, _, err := c.StudyPeriod()
	return err
}

// StudyPeriod parses the configured study-period bounds.
func (c *Config) StudyPeriod() (start, end cohort.Date, err error) {
	start, err = cohort.ParseDate(c.StudyPeriodStart)
	if err != nil {
		return cohort.Date{}, cohort.Date{}, fmt.Errorf("study_period_start: %w", err)
	}
	end, err = cohort.ParseDate(c.StudyPeriodEnd)
	if err != nil {
		return cohort.Date{}, cohort.Date{}, fmt.Errorf("study_period_end: %w", err)
	}
	if end.Before(start) {
		return cohort.Date{}, cohort.Date{}, fmt.Errorf("study period ends %s before it starts %s", end, start)
	}
	return start, end, nil
}

// Thresholds returns the configured cohort washout thresholds.
func (c *Config) Thresholds() cohort.CohortThresholds {
	return cohort.CohortThresholds{
		Primary:      c.WashoutPrimaryWeeks,
		Sensitivity1: c.WashoutSensitivity1Weeks,
		Sensitivity2: c.WashoutSensitivity2Weeks,
	}
}
