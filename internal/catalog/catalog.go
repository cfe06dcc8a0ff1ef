// Package catalog holds the fixed set of IMS sections and the form kind each
// section uses for its structured details.
package catalog

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

type FormKind string

const (
	FormGeneric          FormKind = "generic"
	FormRiskAssessment   FormKind = "risk-assessment"
	FormCOSHH            FormKind = "coshh"
	FormJobDescription   FormKind = "job-description"
	FormCorrectiveAction FormKind = "corrective-action"
)

type Section struct {
	Key          string   `yaml:"key" json:"key"`
	Title        string   `yaml:"title" json:"title"`
	Form         FormKind `yaml:"form" json:"form"`
	ReviewMonths int      `yaml:"review_months" json:"reviewMonths"`
	Clause       string   `yaml:"clause" json:"clause"`
}

//go:embed sections.yaml
var sectionsYAML []byte

var (
	sections []Section
	byKey    map[string]Section
)

func init() {
	loaded, err := parse(sectionsYAML)
	if err != nil {
		panic(fmt.Sprintf("catalog: %v", err))
	}
	sections = loaded
	byKey = make(map[string]Section, len(loaded))
	for _, section := range loaded {
		byKey[section.Key] = section
	}
}

func parse(raw []byte) ([]Section, error) {
	var items []Section
	if err := yaml.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode sections: %w", err)
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.Key == "" || item.Title == "" {
			return nil, fmt.Errorf("section missing key or title: %+v", item)
		}
		if _, dup := seen[item.Key]; dup {
			return nil, fmt.Errorf("duplicate section %q", item.Key)
		}
		seen[item.Key] = struct{}{}
		switch item.Form {
		case FormGeneric, FormRiskAssessment, FormCOSHH, FormJobDescription, FormCorrectiveAction:
		default:
			return nil, fmt.Errorf("section %q has unknown form kind %q", item.Key, item.Form)
		}
		if item.ReviewMonths <= 0 {
			return nil, fmt.Errorf("section %q has no review interval", item.Key)
		}
	}
	return items, nil
}

// All returns the sections in display order.
func All() []Section {
	out := make([]Section, len(sections))
	copy(out, sections)
	return out
}

func Lookup(key string) (Section, bool) {
	section, ok := byKey[key]
	return section, ok
}

func Valid(key string) bool {
	_, ok := byKey[key]
	return ok
}
