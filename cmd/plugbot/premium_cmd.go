package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"plugbot/internal/adapter/subscription"
	"plugbot/internal/domain"
	"plugbot/internal/infra/config"
)

const defaultPlan = "premium"

func runPremium(ctx context.Context, w io.Writer, cfgPath string, args []string) error {
	args = positional(args)
	if len(args) == 0 {
		printPremiumUsage(w)
		return nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	subs, err := subscription.Open(ctx, subscriptionOptions(cfg.Premium))
	if err != nil {
		return fmt.Errorf("premium: %w", err)
	}
	if subs == nil {
		return errors.New("premium.backend is none; configure sqlite or redis")
	}
	defer subs.Close()

	return premiumCommand(ctx, w, subs, args, time.Now())
}

func printPremiumUsage(w io.Writer) {
	fmt.Fprintln(w, `plugbot premium - Manage premium subscriptions

USAGE:
    plugbot premium <COMMAND>

COMMANDS:
    grant <id> [plan] [duration]   Grant or extend a subscription (duration like 30d or 720h; omit for lifetime)
    revoke <id>                    Revoke a subscription
    list                           List all subscriptions`)
}

func premiumCommand(ctx context.Context, w io.Writer, subs subscription.Store, args []string, now time.Time) error {
	switch args[0] {
	case "grant":
		if len(args) < 2 || len(args) > 4 {
			return errors.New("usage: plugbot premium grant <id> [plan] [duration]")
		}
		id := domain.NormalizeIdentity(args[1])
		if id.IsZero() {
			return fmt.Errorf("invalid identity %q", args[1])
		}
		plan := defaultPlan
		if len(args) >= 3 {
			plan = args[2]
		}
		sub := domain.Subscription{Identity: id, Plan: plan, StartedAt: now.UTC()}
		if len(args) == 4 {
			d, err := parseValidity(args[3])
			if err != nil {
				return err
			}
			sub.ExpiresAt = now.UTC().Add(d)
		}
		if err := subs.Put(ctx, sub); err != nil {
			return err
		}
		fmt.Fprintf(w, "Granted %s to %s (%s)\n", plan, id, expiryText(sub))
		return nil

	case "revoke":
		if len(args) != 2 {
			return errors.New("usage: plugbot premium revoke <id>")
		}
		id := domain.NormalizeIdentity(args[1])
		sub, err := subs.GetSubscription(ctx, id)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("%s: %w", id, domain.ErrNotFound)
		}
		sub.Revoked = true
		if err := subs.Put(ctx, *sub); err != nil {
			return err
		}
		fmt.Fprintf(w, "Revoked %s\n", id)
		return nil

	case "list":
		all, err := subs.List(ctx)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Fprintln(w, "No subscriptions.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "IDENTITY\tPLAN\tSTARTED\tEXPIRES\tACTIVE")
		for _, s := range all {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n",
				s.Identity, s.Plan, s.StartedAt.Format(time.DateOnly), expiryText(s), s.ActiveAt(now))
		}
		return tw.Flush()

	default:
		return fmt.Errorf("unknown premium subscommand: %s", args[0])
	}
}

// parseValidity accepts Go durations plus a whole-day "Nd" form.
func parseValidity(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func expiryText(s domain.Subscription) string {
	if s.ExpiresAt.IsZero() {
		return "lifetime"
	}
	return "until " + s.ExpiresAt.Format(time.DateOnly)
}
