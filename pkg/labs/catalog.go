package labs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category describes one lab test category with its coding hints.
type Category struct {
	Display string `yaml:"display" json:"display"`
	LOINC   string `yaml:"loinc" json:"loinc"`
}

// Catalog normalises free-text test categories onto a curated set.
type Catalog struct {
	Categories map[string]Category `yaml:"categories" json:"categories"`
}

// LoadCatalog reads a category catalog, falling back to the built-in set
// when no path is configured.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Categories) == 0 {
		return Catalog{}, fmt.Errorf("lab catalog empty")
	}
	return cat, nil
}

func DefaultCatalog() Catalog {
	return Catalog{Categories: map[string]Category{
		"hematology":   {Display: "Hematology", LOINC: "18723-7"},
		"chemistry":    {Display: "Chemistry", LOINC: "18719-5"},
		"microbiology": {Display: "Microbiology", LOINC: "18725-2"},
		"immunology":   {Display: "Immunology", LOINC: "18727-8"},
		"urinalysis":   {Display: "Urinalysis", LOINC: "18729-4"},
		"serology":     {Display: "Serology", LOINC: "18728-6"},
	}}
}

// Normalize maps a free-text category onto its display form. Unknown
// categories pass through untouched; the catalog advises, it does not gate.
func (c Catalog) Normalize(category string) (string, bool) {
	if c.Categories == nil {
		return category, false
	}
	if entry, ok := c.Categories[strings.ToLower(strings.TrimSpace(category))]; ok {
		return entry.Display, true
	}
	return category, false
}

func (c Catalog) Lookup(category string) (Category, bool) {
	if c.Categories == nil {
		return Category{}, false
	}
	entry, ok := c.Categories[strings.ToLower(strings.TrimSpace(category))]
	return entry, ok
}
