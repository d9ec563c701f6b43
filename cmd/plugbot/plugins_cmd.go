package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"plugbot/internal/infra/config"
	"plugbot/internal/plugin"
)

func runPlugins(w io.Writer, args []string) error {
	if len(args) == 0 {
		printPluginsUsage(w)
		return nil
	}

	switch args[0] {
	case "list":
		dirs := positional(args[1:])
		if len(dirs) == 0 {
			cfg, err := config.Load(configPath(args))
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			dirs = cfg.Plugins.Dirs
		}
		return runPluginsList(w, dirs)
	case "validate":
		dirs := positional(args[1:])
		if len(dirs) != 1 {
			return fmt.Errorf("usage: plugbot plugins validate <dir>")
		}
		return runPluginsValidate(w, dirs[0])
	case "init":
		dirs := positional(args[1:])
		if len(dirs) != 1 {
			return fmt.Errorf("usage: plugbot plugins init <dir>")
		}
		return runPluginsInit(w, dirs[0])
	default:
		return fmt.Errorf("unknown plugins subcommand: %s\n\nRun 'plugbot plugins' for usage", args[0])
	}
}

func printPluginsUsage(w io.Writer) {
	fmt.Fprintln(w, `plugbot plugins - Declarative plugin tools

USAGE:
    plugbot plugins <COMMAND>

COMMANDS:
    list [dir...]      List plugins in the given or configured directories
    validate <dir>     Validate the plugin.yaml in dir
    init <dir>         Scaffold a new plugin.yaml in dir`)
}

// positional drops --config and its value from args.
func positional(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			i++
		case strings.HasPrefix(args[i], "--config="):
		default:
			out = append(out, args[i])
		}
	}
	return out
}

func runPluginsList(w io.Writer, dirs []string) error {
	manifests, errs := plugin.ScanDirectories(dirs)
	if len(manifests) == 0 && len(errs) == 0 {
		fmt.Fprintln(w, "No plugins found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tALIASES\tCATEGORY\tGATES\tPATH")
	for _, m := range manifests {
		gates := "-"
		if len(m.Gates) > 0 {
			gates = strings.Join(m.Gates, ",")
		}
		category := m.Category
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			m.Name, strings.Join(m.Aliases, ","), category, gates, m.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, err := range errs {
		fmt.Fprintf(w, "ERROR: %v\n", err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d plugin(s) failed to load", len(errs))
	}
	return nil
}

func runPluginsValidate(w io.Writer, dir string) error {
	manifestPath := filepath.Join(dir, plugin.ManifestFile)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	m, err := plugin.ParseManifest(data)
	if err != nil {
		fmt.Fprintf(w, "FAIL: %v\n", err)
		return errors.New("validation failed")
	}
	spec, err := m.Spec()
	if err != nil {
		fmt.Fprintf(w, "FAIL: %v\n", err)
		return errors.New("validation failed")
	}
	if _, err := plugin.ValidateSpec(spec); err != nil {
		fmt.Fprintf(w, "FAIL: %v\n", err)
		return errors.New("validation failed")
	}

	fmt.Fprintf(w, "PASS: plugin %q is valid (aliases: %s)\n", m.Name, strings.Join(spec.Aliases, ", "))
	return nil
}

func runPluginsInit(w io.Writer, dir string) error {
	name := filepath.Base(filepath.Clean(dir))
	if !plugin.ValidAlias(name) {
		return fmt.Errorf("invalid plugin name %q: must be a lowercase word", name)
	}
	manifestPath := filepath.Join(dir, plugin.ManifestFile)
	if _, err := os.Stat(manifestPath); err == nil {
		return fmt.Errorf("%s already exists", manifestPath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(manifestPath, []byte(manifestTemplate(name)), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	fmt.Fprintf(w, "Plugin %q scaffolded at %s\n", name, manifestPath)
	fmt.Fprintf(w, "Run 'plugbot plugins validate %s' after editing.\n", dir)
	return nil
}

func manifestTemplate(name string) string {
	return `name: ` + name + `
aliases:
  - ` + name + `
category: info
description: "Describe what ` + name + ` does"
usage: "` + name + ` <text>"
min_args: 0
reply: |
  Hello {{ default "there" .SenderName }}!
`
}
