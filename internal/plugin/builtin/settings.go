package builtin

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"plugbot/internal/domain"
	"plugbot/internal/store"
)

// Document paths inside each plugin's store scope.
const (
	delayFile   = "delay.json"
	ownerFile   = "owner.json"
	genericFile = "generic.json"
)

// MaxDelaySeconds caps the configurable reply delay.
const MaxDelaySeconds = 30

// DelaySettings is the reply-delay document.
type DelaySettings struct {
	MaxSeconds int `json:"maxSeconds"`
}

// OwnerSettings is the owner-name document.
type OwnerSettings struct {
	Name string `json:"name"`
}

// GenericSettings is the generic-label document.
type GenericSettings struct {
	Name string `json:"name"`
}

const (
	defaultOwnerName = "Owner"
	minOwnerName     = 2
	maxOwnerName     = 50
	maxGenericName   = 100
)

// DelayDocument opens the reply-delay document in a delay-scoped store.
func DelayDocument(s domain.DocumentStore) *store.Document[DelaySettings] {
	return store.NewDocument(s, delayFile, DelaySettings{MaxSeconds: 0})
}

// OwnerDocument opens the owner-name document in an owner-scoped store.
// fallback is the name reported before anyone sets one; empty means "Owner".
func OwnerDocument(s domain.DocumentStore, fallback string) *store.Document[OwnerSettings] {
	if fallback == "" {
		fallback = defaultOwnerName
	}
	return store.NewDocument(s, ownerFile, OwnerSettings{Name: fallback})
}

// GenericDocument opens the generic-label document in a generic-scoped store.
func GenericDocument(s domain.DocumentStore) *store.Document[GenericSettings] {
	return store.NewDocument(s, genericFile, GenericSettings{})
}

// ParseDelay converts user input to a stored delay: min(30, floor(x)) for
// finite x >= 0. Anything else is rejected.
func ParseDelay(input string) (int, bool) {
	x, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
	if err != nil || math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
		return 0, false
	}
	if x >= MaxDelaySeconds {
		return MaxDelaySeconds, true
	}
	return int(math.Floor(x)), true
}

// Delay sets the maximum random delay applied before replies.
func Delay(prefix string) domain.CommandSpec {
	usage := prefix + "delay <seconds 0-30> | show"
	return domain.CommandSpec{
		Plugin:      PluginDelay,
		Aliases:     []string{"delay"},
		Category:    categoryOwner,
		Description: "Set the maximum reply delay in seconds",
		Usage:       usage,
		Gates:       []domain.Gate{domain.GateOwner},
		Handler: func(ctx context.Context, c *domain.CommandContext) error {
			doc := DelayDocument(c.Store)
			if len(c.Args) == 0 || strings.EqualFold(c.Args[0], "show") {
				cur, err := doc.Get(ctx)
				if err != nil {
					return err
				}
				return c.Reply(ctx, fmt.Sprintf("Reply delay: up to %d second(s).", cur.MaxSeconds))
			}

			secs, ok := ParseDelay(c.Args[0])
			if !ok {
				return domain.Invalid("Usage: %s", usage)
			}
			if err := doc.Set(ctx, DelaySettings{MaxSeconds: secs}); err != nil {
				return err
			}
			return c.Reply(ctx, fmt.Sprintf("Reply delay set to up to %d second(s).", secs))
		},
	}
}

// Owner shows or changes the display name of the bot owner.
func Owner(prefix, fallback string) domain.CommandSpec {
	usage := prefix + "owner <name> | show"
	return domain.CommandSpec{
		Plugin:      PluginOwner,
		Aliases:     []string{"owner"},
		Category:    categoryOwner,
		Description: "Show or set the owner display name",
		Usage:       usage,
		Gates:       []domain.Gate{domain.GateOwner},
		Handler: func(ctx context.Context, c *domain.CommandContext) error {
			doc := OwnerDocument(c.Store, fallback)
			if len(c.Args) == 0 || (len(c.Args) == 1 && strings.EqualFold(c.Args[0], "show")) {
				cur, err := doc.Get(ctx)
				if err != nil {
					return err
				}
				return c.Reply(ctx, "Owner name: "+cur.Name)
			}

			name := strings.Join(c.Args, " ")
			if n := utf8.RuneCountInString(name); n < minOwnerName || n > maxOwnerName {
				return domain.Invalid("Owner name must be between %d and %d characters.", minOwnerName, maxOwnerName)
			}
			if err := doc.Set(ctx, OwnerSettings{Name: name}); err != nil {
				return err
			}
			return c.Reply(ctx, "Owner name updated to "+name+".")
		},
	}
}

// Generic shows, sets or clears a free-form label.
func Generic(prefix string) domain.CommandSpec {
	usage := prefix + "generic <name> | clear"
	return domain.CommandSpec{
		Plugin:      PluginGeneric,
		Aliases:     []string{"generic"},
		Category:    categoryOwner,
		Description: "Show, set or clear the generic label",
		Usage:       usage,
		Gates:       []domain.Gate{domain.GateOwner},
		Handler: func(ctx context.Context, c *domain.CommandContext) error {
			doc := GenericDocument(c.Store)
			if len(c.Args) == 0 {
				cur, err := doc.Get(ctx)
				if err != nil {
					return err
				}
				if cur.Name == "" {
					return c.Reply(ctx, "Generic label is not set.")
				}
				return c.Reply(ctx, "Generic label: "+cur.Name)
			}

			if len(c.Args) == 1 && (strings.EqualFold(c.Args[0], "clear") || strings.EqualFold(c.Args[0], "reset")) {
				if err := doc.Set(ctx, GenericSettings{}); err != nil {
					return err
				}
				return c.Reply(ctx, "Generic label cleared.")
			}

			name := strings.Join(c.Args, " ")
			if utf8.RuneCountInString(name) > maxGenericName {
				return domain.Invalid("Generic label must be at most %d characters.", maxGenericName)
			}
			if err := doc.Set(ctx, GenericSettings{Name: name}); err != nil {
				return err
			}
			return c.Reply(ctx, "Generic label set to "+name+".")
		},
	}
}

// ReplyDelay returns a pause source for the dispatcher: a random duration up
// to the configured maximum, read from the delay plugin's document in root.
func ReplyDelay(root *store.Store) func(ctx context.Context) time.Duration {
	doc := DelayDocument(root.Scope(PluginDelay))
	return func(ctx context.Context) time.Duration {
		cur, err := doc.Get(ctx)
		if err != nil || cur.MaxSeconds <= 0 {
			return 0
		}
		maxSecs := min(cur.MaxSeconds, MaxDelaySeconds)
		return rand.N(time.Duration(maxSecs) * time.Second)
	}
}
