package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"plugbot/internal/domain"
)

// FormatUptime renders d as "<h>h <m>m <s>s". Negative durations render as zero.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%dh %dm %ds", total/3600, (total%3600)/60, total%60)
}

// Runtime reports process uptime. It is open to everyone.
func Runtime() domain.CommandSpec {
	return domain.CommandSpec{
		Plugin:      PluginRuntime,
		Aliases:     []string{"runtime", "uptime"},
		Category:    categoryInfo,
		Description: "Show how long the bot has been running",
		Handler: func(ctx context.Context, c *domain.CommandContext) error {
			return c.Reply(ctx, "Runtime: "+FormatUptime(c.Runtime.Uptime()))
		},
	}
}

// Reload rebuilds the plugin registry and reports the result.
func Reload() domain.CommandSpec {
	return domain.CommandSpec{
		Plugin:      PluginReload,
		Aliases:     []string{"rplugins", "rplug"},
		Category:    categoryOwner,
		Description: "Reload all plugins",
		Gates:       []domain.Gate{domain.GateOwner},
		Handler: func(ctx context.Context, c *domain.CommandContext) error {
			return c.Reply(ctx, FormatLoadMetadata(c.Runtime.Reload(ctx)))
		},
	}
}

// FormatLoadMetadata renders a reload report.
func FormatLoadMetadata(meta domain.LoadMetadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reloaded %d command(s) at %s (generation %d).",
		meta.Count, meta.LoadedAt.UTC().Format(time.RFC3339), meta.Generation)
	if len(meta.Errors) > 0 {
		fmt.Fprintf(&b, "\nErrors (%d):", len(meta.Errors))
		for _, e := range meta.Errors {
			b.WriteString("\n- " + e)
		}
	}
	return b.String()
}

// Help lists commands by category or describes one command.
func Help(prefix string) domain.CommandSpec {
	return domain.CommandSpec{
		Plugin:      PluginHelp,
		Aliases:     []string{"help", "menu"},
		Category:    categoryInfo,
		Description: "List commands or show help for one command",
		Usage:       prefix + "help [command]",
		Handler: func(ctx context.Context, c *domain.CommandContext) error {
			cmds := c.Runtime.Commands()
			if len(c.Args) > 0 {
				want := strings.ToLower(strings.TrimPrefix(c.Args[0], prefix))
				for _, cmd := range cmds {
					for _, alias := range cmd.Aliases {
						if alias == want {
							return c.Reply(ctx, describe(prefix, cmd))
						}
					}
				}
				return domain.Invalid("Unknown command %q. Send %shelp for the list.", want, prefix)
			}

			var b strings.Builder
			b.WriteString("Commands:")
			category := ""
			for _, cmd := range cmds {
				if cmd.Category != category {
					category = cmd.Category
					fmt.Fprintf(&b, "\n\n*%s*", category)
				}
				fmt.Fprintf(&b, "\n%s%s", prefix, cmd.Name())
				if cmd.Description != "" {
					b.WriteString(" - " + cmd.Description)
				}
			}
			return c.Reply(ctx, b.String())
		},
	}
}

func describe(prefix string, cmd domain.CommandSpec) string {
	var b strings.Builder
	b.WriteString(prefix + cmd.Name())
	if cmd.Description != "" {
		b.WriteString(" - " + cmd.Description)
	}
	if len(cmd.Aliases) > 1 {
		b.WriteString("\nAliases: " + strings.Join(cmd.Aliases[1:], ", "))
	}
	if cmd.Usage != "" {
		b.WriteString("\nUsage: " + cmd.Usage)
	}
	if len(cmd.Gates) > 0 {
		gates := make([]string, len(cmd.Gates))
		for i, g := range cmd.Gates {
			gates[i] = string(g)
		}
		b.WriteString("\nRequires: " + strings.Join(gates, ", "))
	}
	return b.String()
}
