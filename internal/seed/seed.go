// Package seed provides the default catalog applied on first run and after a
// cascading data reset: domains, groups, category labels, and the objective
// forest.
package seed

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Domain is a seeded expertise track.
type Domain struct {
	Name         string `yaml:"name"`
	Color        string `yaml:"color"`
	ProgressMode string `yaml:"progress_mode"`
}

// Group is a seeded student grouping.
type Group struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

// Label is a seeded category label override.
type Label struct {
	Code  string `yaml:"code"`
	Title string `yaml:"title"`
}

// Objective is a seeded objective definition. Parent refers to the parent's
// code; root objectives leave it empty.
type Objective struct {
	Code         string `yaml:"code"`
	Title        string `yaml:"title"`
	Description  string `yaml:"description"`
	Quantitative bool   `yaml:"quantitative"`
	Parent       string `yaml:"parent"`
	SortOrder    int    `yaml:"sort_order"`
}

// Catalog is the full default dataset.
type Catalog struct {
	Domains    []Domain    `yaml:"domains"`
	Groups     []Group     `yaml:"groups"`
	Labels     []Label     `yaml:"labels"`
	Objectives []Objective `yaml:"objectives"`
}

// Default returns the embedded default catalog.
func Default() (*Catalog, error) {
	return parse(defaultsYAML)
}

// Parse reads a catalog from YAML, e.g. a user-supplied override file.
func Parse(data []byte) (*Catalog, error) {
	return parse(data)
}

func parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse seed catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// validate checks referential integrity of the catalog.
func (c *Catalog) validate() error {
	codes := make(map[string]bool, len(c.Objectives))
	for _, o := range c.Objectives {
		if o.Code == "" {
			return fmt.Errorf("seed objective %q has no code", o.Title)
		}
		if codes[o.Code] {
			return fmt.Errorf("duplicate seed objective code %q", o.Code)
		}
		codes[o.Code] = true
	}
	for _, o := range c.Objectives {
		if o.Parent != "" && !codes[o.Parent] {
			return fmt.Errorf("seed objective %q references unknown parent %q", o.Code, o.Parent)
		}
	}
	return nil
}
