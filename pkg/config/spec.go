package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/papforge/pap/pkg/api"
)

// LoadSpec parses a pipeline spec file. The wire types carry both YAML and
// JSON forms; files are YAML, which accepts JSON as a subset.
func LoadSpec(path string) (*api.PipelineSpec, error) {
	//nolint:gosec // Spec path comes from the invoking user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec %s: %w", path, err)
	}
	var spec api.PipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse spec %s: %w", path, err)
	}
	if spec.Name == "" {
		spec.Name = trimExt(filepath.Base(path))
	}
	return &spec, nil
}

// LoadSubmitContext parses a spec and bundles the project binaries it
// references, resolved relative to the spec file, so the submission is
// self-contained.
func LoadSubmitContext(path string) (*api.SubmitContext, error) {
	spec, err := LoadSpec(path)
	if err != nil {
		return nil, err
	}

	sub := &api.SubmitContext{Spec: *spec}
	base := filepath.Dir(path)
	for _, project := range spec.Projects {
		if project.Binary == "" {
			continue
		}
		binPath := project.Binary
		if !filepath.IsAbs(binPath) {
			binPath = filepath.Join(base, binPath)
		}
		//nolint:gosec // Binary path is declared by the spec author
		data, err := os.ReadFile(binPath)
		if err != nil {
			return nil, fmt.Errorf("read binary for project %q: %w", project.Name, err)
		}
		if sub.Files == nil {
			sub.Files = make(map[string][]byte)
		}
		sub.Files[project.Binary] = data
	}
	return sub, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
