// ABOUTME: Command for minting bearer tokens for the notification endpoint
// ABOUTME: Signs HS256 JWTs with the relay's shared secret

package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/link-relay/internal/auth"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject string
	TTL     time.Duration
	Secret  string
}

// TokenView is the output form of a minted token.
type TokenView struct {
	Subject   string    `json:"subject"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an application calling the notification endpoint",
		Long: `Mint a bearer token for an application calling the notification endpoint.

The secret defaults to $LINK_RELAY_JWT_SECRET and must match auth.jwt_secret
in the relay's configuration. The subject must appear in auth.allowed_subjects
when that list is set.

Examples:
  link-relay-admin token --sub shop --ttl 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := opts.Secret
			if secret == "" {
				secret = os.Getenv("LINK_RELAY_JWT_SECRET")
			}
			if secret == "" {
				return NewExitError(ExitCommandError, "no secret: pass --secret or set LINK_RELAY_JWT_SECRET")
			}
			if opts.TTL <= 0 {
				return NewExitError(ExitCommandError, "--ttl must be positive")
			}

			verifier, err := auth.NewJWTVerifier([]byte(secret))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid secret", err)
			}

			token, err := verifier.Generate(opts.Subject, opts.TTL)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to sign token", err)
			}

			view := TokenView{
				Subject:   opts.Subject,
				Token:     token,
				ExpiresAt: time.Now().Add(opts.TTL).UTC().Truncate(time.Second),
			}
			return emit(cmd.OutOrStdout(), opts.Format, view, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, view.Token)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "sub", "", "token subject, the calling application's name (required)")
	_ = cmd.MarkFlagRequired("sub")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing secret (default $LINK_RELAY_JWT_SECRET)")

	return cmd
}
