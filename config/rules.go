package config

import (
	"context"
	"fmt"
	"os"
	"reply-monitor/pkg/replier"
	"strings"

	"gopkg.in/yaml.v3"
)

// RulesFile is the YAML alternative to the spreadsheet source.
type RulesFile struct {
	replier.Catalog `yaml:",inline"`
	Safety          struct {
		Denylist []string `yaml:"denylist"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"safety"`
}

// ReadRulesFile parses a rules file.
func ReadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w: %w", replier.ErrConfigInvalid, err)
	}
	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w: %w", path, replier.ErrConfigInvalid, err)
	}
	return &rf, nil
}

// FileSource loads the catalog from a rules file on every call, so edits
// take effect on the next run.
type FileSource struct {
	path string
}

// NewFileSource creates a source reading the given YAML file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Load implements the catalog source.
func (f *FileSource) Load(_ context.Context) (*replier.Catalog, error) {
	rf, err := ReadRulesFile(f.path)
	if err != nil {
		return nil, err
	}
	return &rf.Catalog, nil
}

// ValidateCatalog rejects catalogs the pipeline cannot evaluate consistently.
func ValidateCatalog(cat *replier.Catalog) error {
	if cat == nil || len(cat.Rules) == 0 {
		return fmt.Errorf("no keyword rules defined: %w", replier.ErrConfigInvalid)
	}

	seen := make(map[string]bool, len(cat.Profiles))
	for _, p := range cat.Profiles {
		key := strings.ToLower(p.Handle)
		if key == "" {
			return fmt.Errorf("profile without handle: %w", replier.ErrConfigInvalid)
		}
		if seen[key] {
			return fmt.Errorf("duplicate profile %q: %w", p.Handle, replier.ErrConfigInvalid)
		}
		seen[key] = true
		switch p.Status {
		case "", replier.ProfileActive, replier.ProfilePaused:
		default:
			return fmt.Errorf("profile %q has unknown status %q: %w", p.Handle, p.Status, replier.ErrConfigInvalid)
		}
	}

	templates := make(map[string]bool, len(cat.Templates))
	for _, t := range cat.Templates {
		templates[t.ID] = true
	}
	for i, r := range cat.Rules {
		if strings.TrimSpace(r.Keyword) == "" {
			return fmt.Errorf("rule %d has no keyword: %w", i+1, replier.ErrConfigInvalid)
		}
		if r.TemplateID != "" && !templates[r.TemplateID] {
			return fmt.Errorf("rule %q references unknown template %q: %w", r.Label(), r.TemplateID, replier.ErrConfigInvalid)
		}
	}
	return nil
}
