package builtin

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"plugbot/internal/domain"
	"plugbot/internal/store"
)

const approvalsFile = "approvals.json"

// approvalNote is appended to every approval change. The list is a record
// for developers; no gate reads it.
const approvalNote = "Approval is informational and does not grant access."

// Approvals is the informational approval list.
type Approvals struct {
	Approved []string `json:"approved"`
}

// ApprovalDocument opens the approval list in an approval-scoped store.
func ApprovalDocument(s domain.DocumentStore) *store.Document[Approvals] {
	return store.NewDocument(s, approvalsFile, Approvals{Approved: []string{}})
}

// Approval returns the approve, revoke and approved commands. They share the
// approval plugin scope and are developer-only.
func Approval(prefix string) []domain.CommandSpec {
	approveUsage := prefix + "approve <number>"
	revokeUsage := prefix + "revoke <number>"

	return []domain.CommandSpec{
		{
			Plugin:      PluginApproval,
			Aliases:     []string{"approve"},
			Category:    categoryDeveloper,
			Description: "Add a number to the approval list",
			Usage:       approveUsage,
			Gates:       []domain.Gate{domain.GateDeveloper},
			Handler: func(ctx context.Context, c *domain.CommandContext) error {
				id := domain.NormalizeIdentity(c.ArgText)
				if id.IsZero() {
					return domain.Invalid("Usage: %s", approveUsage)
				}
				added := false
				_, err := ApprovalDocument(c.Store).Update(ctx, func(a Approvals) (Approvals, error) {
					if slices.Contains(a.Approved, id.String()) {
						return a, nil
					}
					added = true
					a.Approved = append(a.Approved, id.String())
					slices.Sort(a.Approved)
					return a, nil
				})
				if err != nil {
					return err
				}
				if !added {
					return c.Reply(ctx, fmt.Sprintf("%s is already approved.", id))
				}
				return c.Reply(ctx, fmt.Sprintf("Approved %s. %s", id, approvalNote))
			},
		},
		{
			Plugin:      PluginApproval,
			Aliases:     []string{"revoke"},
			Category:    categoryDeveloper,
			Description: "Remove a number from the approval list",
			Usage:       revokeUsage,
			Gates:       []domain.Gate{domain.GateDeveloper},
			Handler: func(ctx context.Context, c *domain.CommandContext) error {
				id := domain.NormalizeIdentity(c.ArgText)
				if id.IsZero() {
					return domain.Invalid("Usage: %s", revokeUsage)
				}
				removed := false
				_, err := ApprovalDocument(c.Store).Update(ctx, func(a Approvals) (Approvals, error) {
					i := slices.Index(a.Approved, id.String())
					if i < 0 {
						return a, nil
					}
					removed = true
					a.Approved = slices.Delete(a.Approved, i, i+1)
					return a, nil
				})
				if err != nil {
					return err
				}
				if !removed {
					return c.Reply(ctx, fmt.Sprintf("%s is not on the approval list.", id))
				}
				return c.Reply(ctx, fmt.Sprintf("Revoked %s. %s", id, approvalNote))
			},
		},
		{
			Plugin:      PluginApproval,
			Aliases:     []string{"approved"},
			Category:    categoryDeveloper,
			Description: "List approved numbers",
			Usage:       prefix + "approved",
			Gates:       []domain.Gate{domain.GateDeveloper},
			Handler: func(ctx context.Context, c *domain.CommandContext) error {
				a, err := ApprovalDocument(c.Store).Get(ctx)
				if err != nil {
					return err
				}
				if len(a.Approved) == 0 {
					return c.Reply(ctx, "No approved numbers.")
				}
				var b strings.Builder
				fmt.Fprintf(&b, "Approved numbers (%d):", len(a.Approved))
				for _, n := range a.Approved {
					b.WriteString("\n- " + n)
				}
				return c.Reply(ctx, b.String())
			},
		},
	}
}
