package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"plugbot/internal/domain"
)

// ManifestFile is the file name looked up in each plugin directory.
const ManifestFile = "plugin.yaml"

// manifestSchema constrains plugin.yaml before it is decoded.
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "aliases", "reply"],
  "additionalProperties": false,
  "properties": {
    "name":        {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{0,63}$"},
    "aliases":     {"type": "array", "minItems": 1, "items": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_-]{0,31}$"}},
    "category":    {"type": "string"},
    "description": {"type": "string"},
    "usage":       {"type": "string"},
    "gates":       {"type": "array", "items": {"enum": ["ownerOnly", "devOnly", "premiumOnly"]}},
    "denials":     {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "ownerOnly":   {"type": "string"},
        "devOnly":     {"type": "string"},
        "premiumOnly": {"type": "string"}
      }
    },
    "min_args":    {"type": "integer", "minimum": 0},
    "reply":       {"type": "string", "minLength": 1}
  }
}`

var compileManifestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plugin.schema.json", strings.NewReader(manifestSchema)); err != nil {
		return nil, fmt.Errorf("add manifest schema: %w", err)
	}
	return compiler.Compile("plugin.schema.json")
})

// Manifest is a declarative plugin: one command whose reply is a template.
type Manifest struct {
	Name        string            `yaml:"name" json:"name"`
	Aliases     []string          `yaml:"aliases" json:"aliases"`
	Category    string            `yaml:"category,omitempty" json:"category,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Usage       string            `yaml:"usage,omitempty" json:"usage,omitempty"`
	Gates       []string          `yaml:"gates,omitempty" json:"gates,omitempty"`
	Denials     map[string]string `yaml:"denials,omitempty" json:"denials,omitempty"`
	MinArgs     int               `yaml:"min_args,omitempty" json:"min_args,omitempty"`
	Reply       string            `yaml:"reply" json:"reply"`

	// Path is the file the manifest was read from.
	Path string `yaml:"-" json:"path"`
}

// ParseManifest validates raw YAML against the manifest schema and decodes it.
func ParseManifest(data []byte) (Manifest, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return Manifest{}, fmt.Errorf("parse yaml: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return Manifest{}, fmt.Errorf("convert manifest: %w", err)
	}
	var doc any
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return Manifest{}, fmt.Errorf("convert manifest: %w", err)
	}

	schema, err := compileManifestSchema()
	if err != nil {
		return Manifest{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return Manifest{}, fmt.Errorf("schema validation failed: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// ScanDirectories finds and parses every <dir>/<plugin>/plugin.yaml. Missing
// directories are skipped; each unreadable or invalid manifest yields an error
// and does not stop the scan.
func ScanDirectories(dirs []string) ([]Manifest, []error) {
	var (
		manifests []Manifest
		errs      []error
	)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("%w: read plugin dir %s: %w", domain.ErrPluginLoad, dir, err))
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			manifestPath := filepath.Join(dir, entry.Name(), ManifestFile)
			data, err := os.ReadFile(manifestPath)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				errs = append(errs, fmt.Errorf("%w: read manifest %s: %w", domain.ErrPluginLoad, manifestPath, err))
				continue
			}
			m, err := ParseManifest(data)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: manifest %s: %w", domain.ErrPluginLoad, manifestPath, err))
				continue
			}
			m.Path = manifestPath
			manifests = append(manifests, m)
		}
	}
	return manifests, errs
}

// Spec compiles the manifest into a command descriptor.
func (m Manifest) Spec() (domain.CommandSpec, error) {
	tmpl, err := template.New(m.Name).Funcs(replyFuncs).Option("missingkey=zero").Parse(m.Reply)
	if err != nil {
		return domain.CommandSpec{}, fmt.Errorf("%w: plugin %q: parse reply template: %w", domain.ErrPluginLoad, m.Name, err)
	}

	gates := make([]domain.Gate, 0, len(m.Gates))
	for _, g := range m.Gates {
		gates = append(gates, domain.Gate(g))
	}
	var denials map[domain.Gate]string
	if len(m.Denials) > 0 {
		denials = make(map[domain.Gate]string, len(m.Denials))
		for g, msg := range m.Denials {
			denials[domain.Gate(g)] = msg
		}
	}

	return domain.CommandSpec{
		Plugin:      m.Name,
		Aliases:     m.Aliases,
		Category:    m.Category,
		Description: m.Description,
		Usage:       m.Usage,
		Gates:       gates,
		Denials:     denials,
		Handler:     m.handler(tmpl),
	}, nil
}

// replyData is the template input of a manifest reply.
type replyData struct {
	Command    string
	Args       []string
	ArgText    string
	Identity   string
	SenderName string
	Uptime     string
}

var replyFuncs = template.FuncMap{
	"join":  strings.Join,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"default": func(def, v string) string {
		if v == "" {
			return def
		}
		return v
	},
}

func (m Manifest) handler(tmpl *template.Template) domain.CommandHandler {
	return func(ctx context.Context, c *domain.CommandContext) error {
		if len(c.Args) < m.MinArgs {
			if m.Usage != "" {
				return domain.Invalid("Usage: %s", m.Usage)
			}
			return domain.Invalid("This command needs at least %d argument(s).", m.MinArgs)
		}

		data := replyData{
			Command:    c.Command,
			Args:       c.Args,
			ArgText:    c.ArgText,
			Identity:   c.Identity.String(),
			SenderName: c.Message.SenderName,
		}
		if c.Runtime != nil {
			data.Uptime = c.Runtime.Uptime().Round(time.Second).String()
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("render reply: %w", err)
		}
		text := strings.TrimSpace(buf.String())
		if text == "" {
			return nil
		}
		return c.Reply(ctx, text)
	}
}

// ManifestSource discovers declarative plugins on disk. Every Discover call
// rescans the directories, which is what makes reload pick up edits.
type ManifestSource struct {
	dirs   []string
	logger *slog.Logger
}

// NewManifestSource creates a source scanning dirs in order.
func NewManifestSource(dirs []string, logger *slog.Logger) *ManifestSource {
	return &ManifestSource{dirs: dirs, logger: logger.With("component", "manifest_source")}
}

// Discover implements domain.PluginSource.
func (s *ManifestSource) Discover(ctx context.Context) ([]domain.CommandSpec, []error) {
	manifests, errs := ScanDirectories(s.dirs)
	specs := make([]domain.CommandSpec, 0, len(manifests))
	for _, m := range manifests {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%w: discovery interrupted: %w", domain.ErrPluginLoad, err))
			break
		}
		spec, err := m.Spec()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		specs = append(specs, spec)
	}
	s.logger.Debug("manifests scanned", "found", len(manifests), "errors", len(errs))
	return specs, errs
}
