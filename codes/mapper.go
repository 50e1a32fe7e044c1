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

// Package codes maps clinical concepts to DeSC receipt codes through the
// m_icd10 and m_drug_who_atc masters. The pipeline never hard-codes receipt
// codes for concepts that the masters can resolve; the one exception,
// cyanamide, has no ATC code and is bound to its known receipt code here.
package codes

import (
	"fmt"
	"io"
	"strings"

	"descohort/desc"
)

// LookupError reports a clinical concept that the loaded masters could not
// resolve to any receipt code. It is fatal: running with a silently empty
// concept would fabricate an all-negative cohort.
type LookupError struct {
	Concept string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("no receipt codes for concept %s", e.Concept)
}

// ConfigurationError reports an internally inconsistent code configuration,
// such as one receipt code claimed by two treatment classes.
type ConfigurationError struct {
	Code   string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("code configuration: %s: %s", e.Code, e.Detail)
}

// ICD-10 and ATC codes of the study concepts. ICD-10 codes are dotless, the
// way m_icd10 stores them.
const (
	AlcoholDependenceICD10 = "F102"

	NalmefeneATC   = "N07BB05"
	AcamprosateATC = "N07BB03"
	DisulfiramATC  = "N07BB01"

	// Cyanamide carries no WHO ATC code; its receipt code comes from the
	// published drug tariff rather than m_drug_who_atc.
	CyanamideReceiptCode = "3932001S1041"
)

// TreatmentClass partitions the study drugs by therapeutic goal.
type TreatmentClass int

const (
	ClassReduction TreatmentClass = iota + 1
	ClassAbstinence
)

func (c TreatmentClass) String() string {
	switch c {
	case ClassReduction:
		return "reduction"
	case ClassAbstinence:
		return "abstinence"
	}
	return "unknown"
}

// DiseaseMaster indexes m_icd10 rows by dotless ICD-10 code. Only rows with
// icd10_kbn_code 1 bind a receipt disease code to an ICD-10 code.
type DiseaseMaster struct {
	byICD10 map[string][]string
}

// LoadDiseaseMaster reads m_icd10 from the store.
func LoadDiseaseMaster(store *desc.Store) (*DiseaseMaster, error) {
	rows, err := store.OpenTable(desc.ICD10Master)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Cols("icd10_code", "icd10_kbn_code", "diseases_code")
	if err != nil {
		return nil, err
	}
	m := &DiseaseMaster{byICD10: make(map[string][]string)}
	for {
		record, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(record[cols[1]]) != "1" {
			continue
		}
		icd10 := strings.TrimSpace(record[cols[0]])
		code := strings.TrimSpace(record[cols[2]])
		if icd10 == "" || code == "" {
			continue
		}
		m.byICD10[icd10] = append(m.byICD10[icd10], code)
	}
	return m, nil
}

// Codes returns the set of receipt disease codes for one exact dotless
// ICD-10 code.
func (m *DiseaseMaster) Codes(icd10 string) (map[string]bool, error) {
	codes := m.byICD10[icd10]
	if len(codes) == 0 {
		return nil, &LookupError{Concept: icd10}
	}
	set := make(map[string]bool, len(codes))
	for _, code := range codes {
		set[code] = true
	}
	return set, nil
}

// PrefixCodes returns the receipt disease codes for every ICD-10 code that
// starts with one of the given prefixes. Used for comorbidity blocks such
// as I10-I13, where each prefix covers a whole three-character category.
func (m *DiseaseMaster) PrefixCodes(prefixes []string) (map[string]bool, error) {
	set := make(map[string]bool)
	for icd10, codes := range m.byICD10 {
		for _, prefix := range prefixes {
			if strings.HasPrefix(icd10, prefix) {
				for _, code := range codes {
					set[code] = true
				}
				break
			}
		}
	}
	if len(set) == 0 {
		return nil, &LookupError{Concept: strings.Join(prefixes, ",")}
	}
	return set, nil
}

// DrugMaster indexes m_drug_who_atc rows by ATC code.
type DrugMaster struct {
	byATC map[string][]string
}

// LoadDrugMaster reads m_drug_who_atc from the store.
func LoadDrugMaster(store *desc.Store) (*DrugMaster, error) {
	rows, err := store.OpenTable(desc.DrugATCMaster)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Cols("atc_code", "drug_code")
	if err != nil {
		return nil, err
	}
	m := &DrugMaster{byATC: make(map[string][]string)}
	for {
		record, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		atc := strings.TrimSpace(record[cols[0]])
		code := strings.TrimSpace(record[cols[1]])
		if atc == "" || code == "" {
			continue
		}
		m.byATC[atc] = append(m.byATC[atc], code)
	}
	return m, nil
}

// Codes returns the receipt drug codes for one ATC code.
func (m *DrugMaster) Codes(atc string) ([]string, error) {
	codes := m.byATC[atc]
	if len(codes) == 0 {
		return nil, &LookupError{Concept: atc}
	}
	return codes, nil
}

// BuildDrugClassMap resolves the study drugs through the ATC master and
// returns the receipt-code to treatment-class map used by classification.
// A receipt code resolving to both classes is a ConfigurationError.
func BuildDrugClassMap(drugs *DrugMaster) (map[string]TreatmentClass, error) {
	classATCs := []struct {
		atc   string
		class TreatmentClass
	}{
		{NalmefeneATC, ClassReduction},
		{AcamprosateATC, ClassAbstinence},
		{DisulfiramATC, ClassAbstinence},
	}
	classMap := make(map[string]TreatmentClass)
	for _, entry := range classATCs {
		codes, err := drugs.Codes(entry.atc)
		if err != nil {
			return nil, err
		}
		for _, code := range codes {
			if prev, ok := classMap[code]; ok && prev != entry.class {
				return nil, &ConfigurationError{
					Code:   code,
					Detail: fmt.Sprintf("claimed by both %v and %v", prev, entry.class),
				}
			}
			classMap[code] = entry.class
		}
	}
	if prev, ok := classMap[CyanamideReceiptCode]; ok && prev != ClassAbstinence {
		return nil, &ConfigurationError{
			Code:   CyanamideReceiptCode,
			Detail: fmt.Sprintf("claimed by both %v and %v", prev, ClassAbstinence),
		}
	}
	classMap[CyanamideReceiptCode] = ClassAbstinence
	return classMap, nil
}

// ComorbidityConcepts lists the baseline comorbidity flags and the ICD-10
// prefixes that define them.
var ComorbidityConcepts = []struct {
	Name     string
	Prefixes []string
}{
	{"hypertension", []string{"I10", "I11", "I12", "I13", "I15"}},
	{"diabetes", []string{"E10", "E11", "E12", "E13", "E14"}},
	{"dyslipidemia", []string{"E78"}},
	{"mental_disorders", []string{
		"F20", "F21", "F22", "F23", "F24", "F25", "F28", "F29",
		"F30", "F31", "F32", "F33", "F34", "F38", "F39",
		"F40", "F41", "F42", "F43", "F44", "F45", "F48",
	}},
}

// BuildComorbiditySets resolves every comorbidity concept to its receipt
// disease codes, keyed by concept name.
func BuildComorbiditySets(diseases *DiseaseMaster) (map[string]map[string]bool, error) {
	sets := make(map[string]map[string]bool, len(ComorbidityConcepts))
	for _, concept := range ComorbidityConcepts {
		set, err := diseases.PrefixCodes(concept.Prefixes)
		if err != nil {
			return nil, err
		}
		sets[concept.Name] = set
	}
	return sets, nil
}
