// ABOUTME: Commands for inspecting code bindings
// ABOUTME: "bindings" lists every live binding, "resolve" looks up one code

package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/link-relay/internal/linking"
	"github.com/2389/link-relay/internal/store"
)

// BindingView is the output form of a binding.
type BindingView struct {
	Code      string    `json:"code"`
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
}

// NewBindingsCommand creates the bindings command.
func NewBindingsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bindings",
		Short: "List every code bound to a chat identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			bindings, err := st.ListBindings(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list bindings", err)
			}

			views := make([]BindingView, 0, len(bindings))
			for _, b := range bindings {
				views = append(views, BindingView{Code: b.Code, Identity: string(b.Identity), CreatedAt: b.CreatedAt})
			}

			return emit(cmd.OutOrStdout(), rootOpts.Format, views, func(tw *tabwriter.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(tw, "No bindings found.")
					return
				}
				fmt.Fprintln(tw, "CODE\tIDENTITY\tLINKED")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Code, v.Identity, v.CreatedAt.Local().Format(time.DateTime))
				}
			})
		},
	}
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <code>",
		Short: "Show the chat identity a code delivers to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := args[0]
			if normalized, ok := linking.NormalizeCode(code); ok {
				code = normalized
			}

			st, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			identity, err := st.Resolve(cmd.Context(), code)
			if errors.Is(err, store.ErrNotFound) {
				return NewExitError(ExitFailure, fmt.Sprintf("code %s is not bound", code))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to resolve code", err)
			}

			data := map[string]string{"code": code, "identity": string(identity)}
			return emit(cmd.OutOrStdout(), rootOpts.Format, data, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "%s\t%s\n", code, identity)
			})
		},
	}
}
