package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includeLists are the list fields that accumulate across include files
// instead of being replaced by the last file that sets them.
type includeLists struct {
	Developers struct {
		Numbers []string `yaml:"numbers"`
	} `yaml:"developers"`
	Plugins struct {
		Dirs []string `yaml:"dirs"`
	} `yaml:"plugins"`
}

// includeResolver overlays the files named under "includes:" onto a config.
// Every include must live under root, the directory of the main config file.
// A file reached twice through different parents is merged once; a file that
// includes one of its own ancestors is an error.
type includeResolver struct {
	root    string
	merged  map[string]bool
	sources []string

	developers []string
	pluginDirs []string
}

func newIncludeResolver(mainPath string) *includeResolver {
	return &includeResolver{
		root:    filepath.Dir(mainPath),
		merged:  map[string]bool{mainPath: true},
		sources: []string{mainPath},
	}
}

// apply merges the includes of the file at chain[len(chain)-1] onto cfg.
func (r *includeResolver) apply(cfg *Config, chain []string) error {
	if len(chain) > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded at %s", maxIncludeDepth, r.describe(chain))
	}
	current := chain[len(chain)-1]
	patterns := cfg.Includes
	cfg.Includes = nil

	for _, pattern := range patterns {
		paths, err := r.expand(pattern, filepath.Dir(current))
		if err != nil {
			return err
		}
		for _, p := range paths {
			if slices.Contains(chain, p) {
				return fmt.Errorf("config includes: circular include %s", r.describe(append(chain, p)))
			}
			if r.merged[p] {
				continue
			}
			r.merged[p] = true
			if err := r.mergeFile(cfg, append(slices.Clip(chain), p)); err != nil {
				return err
			}
		}
	}
	return nil
}

// expand resolves pattern relative to dir. Globs expand to their regular-file
// matches (possibly none); a literal path is kept so a missing file is
// reported when it is read.
func (r *includeResolver) expand(pattern, dir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	pattern = filepath.Clean(pattern)
	if !r.within(pattern) {
		return nil, fmt.Errorf("config includes: path %q escapes config directory %q", pattern, r.root)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	files := matches[:0]
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	return files, nil
}

func (r *includeResolver) within(path string) bool {
	rel, err := filepath.Rel(r.root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (r *includeResolver) mergeFile(cfg *Config, chain []string) error {
	path := chain[len(chain)-1]
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	r.sources = append(r.sources, path)
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	var lists includeLists
	if err := yaml.Unmarshal(data, &lists); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	r.developers = appendNew(r.developers, lists.Developers.Numbers...)
	r.pluginDirs = appendNew(r.pluginDirs, lists.Plugins.Dirs...)

	if len(cfg.Includes) > 0 {
		return r.apply(cfg, chain)
	}
	return nil
}

// finish folds the accumulated lists into cfg after the main file's values
// have been re-applied.
func (r *includeResolver) finish(cfg *Config) {
	cfg.Developers.Numbers = appendNew(cfg.Developers.Numbers, r.developers...)
	cfg.Plugins.Dirs = appendNew(cfg.Plugins.Dirs, r.pluginDirs...)
	cfg.Includes = nil
	cfg.Sources = r.sources
}

func (r *includeResolver) describe(chain []string) string {
	names := make([]string, len(chain))
	for i, p := range chain {
		if rel, err := filepath.Rel(r.root, p); err == nil {
			p = rel
		}
		names[i] = p
	}
	return strings.Join(names, " -> ")
}

// appendNew appends the values of add not already in list.
func appendNew(list []string, add ...string) []string {
	for _, v := range add {
		if !slices.Contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}
