package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	statusadapter "github.com/bnema/turnguard/internal/adapters/render/status"
	"github.com/bnema/turnguard/internal/application"
	"github.com/bnema/turnguard/internal/domain"
)

func newCredentialCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credential",
		Aliases: []string{"credentials"},
		Short:   "Manage OAuth credentials",
	}

	cmd.AddCommand(
		newCredentialAddCmd(app),
		newCredentialListCmd(app),
		newCredentialRemoveCmd(app),
		newCredentialSelectCmd(app),
		newCredentialRateLimitCmd(app),
		newCredentialRefreshCmd(app),
	)

	return cmd
}

func newCredentialAddCmd(app *app) *cobra.Command {
	var credential domain.Credential

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.rotator.Load(cmd.Context()); err != nil {
				return err
			}
			if err := app.rotator.Add(cmd.Context(), credential); err != nil {
				return err
			}

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", credential.Email)
			return err
		},
	}

	cmd.Flags().StringVar(&credential.Email, "email", "", "Account email")
	cmd.Flags().StringVar(&credential.RefreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().StringVar(&credential.ProjectID, "project-id", "", "Project ID")
	cmd.Flags().StringVar(&credential.ManagedProjectID, "managed-project-id", "", "Managed project ID")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("refresh-token")

	return cmd
}

type familyOutput struct {
	Family   domain.Family `json:"family"`
	Active   bool          `json:"active"`
	Eligible bool          `json:"eligible"`
	ResetAt  *time.Time    `json:"reset_at,omitempty"`
}

type credentialOutput struct {
	Index            int            `json:"index"`
	Email            string         `json:"email"`
	ProjectID        string         `json:"project_id,omitempty"`
	ManagedProjectID string         `json:"managed_project_id,omitempty"`
	AddedAt          time.Time      `json:"added_at"`
	LastUsed         *time.Time     `json:"last_used,omitempty"`
	LastSwitchReason string         `json:"last_switch_reason,omitempty"`
	Families         []familyOutput `json:"families"`
}

// toCredentialOutput leaves the refresh token out.
func toCredentialOutput(status application.CredentialStatus) credentialOutput {
	out := credentialOutput{
		Index:            status.Index,
		Email:            status.Credential.Email,
		ProjectID:        status.Credential.ProjectID,
		ManagedProjectID: status.Credential.ManagedProjectID,
		AddedAt:          status.Credential.AddedAt,
		LastSwitchReason: string(status.Credential.LastSwitchReason),
		Families:         make([]familyOutput, 0, len(status.Families)),
	}
	if !status.Credential.LastUsed.IsZero() {
		lastUsed := status.Credential.LastUsed
		out.LastUsed = &lastUsed
	}
	for _, family := range status.Families {
		item := familyOutput{Family: family.Family, Active: family.Active, Eligible: family.Eligible}
		if !family.ResetAt.IsZero() {
			resetAt := family.ResetAt
			item.ResetAt = &resetAt
		}
		out.Families = append(out.Families, item)
	}
	return out
}

func newCredentialListCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials and their rate-limit state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.rotator.Load(cmd.Context()); err != nil {
				return err
			}

			now := app.now()
			statuses := application.CredentialStatuses(app.rotator.Snapshot(), now)

			if asJSON {
				out := make([]credentialOutput, 0, len(statuses))
				for _, status := range statuses {
					out = append(out, toCredentialOutput(status))
				}
				return writeJSON(cmd, out)
			}

			rendered, err := app.statusRenderer(statuses, statusadapter.RenderOptions{Now: now})
			if err != nil {
				return fmt.Errorf("render credentials: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	return cmd
}

func newCredentialRemoveCmd(app *app) *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a credential and its stored access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.rotator.Load(cmd.Context()); err != nil {
				return err
			}
			if err := app.rotator.Remove(cmd.Context(), email); err != nil {
				return err
			}
			if err := app.tokens.Forget(cmd.Context(), email); err != nil {
				return err
			}

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", email)
			return err
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newCredentialSelectCmd(app *app) *cobra.Command {
	var rawFamily string

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Pick the least recently used eligible credential for a family",
		RunE: func(cmd *cobra.Command, _ []string) error {
			family, err := domain.ParseFamily(rawFamily)
			if err != nil {
				return err
			}
			if err := app.rotator.Load(cmd.Context()); err != nil {
				return err
			}

			credential, err := app.rotator.Select(cmd.Context(), family)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", family, credential.Email)
			return err
		},
	}

	cmd.Flags().StringVar(&rawFamily, "family", string(domain.FamilyClaude), "Model family")

	return cmd
}

func newCredentialRateLimitCmd(app *app) *cobra.Command {
	var email string
	var rawFamily string
	var resetIn time.Duration

	cmd := &cobra.Command{
		Use:   "rate-limit",
		Short: "Record a rate limit for one family of a credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			family, err := domain.ParseFamily(rawFamily)
			if err != nil {
				return err
			}
			if err := app.rotator.Load(cmd.Context()); err != nil {
				return err
			}
			if err := app.authorizer.ReportRateLimit(cmd.Context(), email, family, resetIn); err != nil {
				return err
			}

			active, ok := app.rotator.Active(family)
			if !ok {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s rate limited on %s\n", email, family)
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s rate limited on %s; active: %s\n", email, family, active.Email)
			return err
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&rawFamily, "family", string(domain.FamilyClaude), "Model family")
	cmd.Flags().DurationVar(&resetIn, "reset-in", application.DefaultRateLimitBackoff, "Time until the limit resets")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newCredentialRefreshCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew access tokens that are missing or about to expire",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.rotator.Load(cmd.Context()); err != nil {
				return err
			}

			total := len(app.rotator.List())
			renewed := app.tokens.Scan(cmd.Context())

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "renewed %d of %d access tokens\n", renewed, total)
			return err
		},
	}
}
