// ABOUTME: Command for inspecting one identity's conversation state
// ABOUTME: Also reports the code the identity currently holds, if any

package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/2389/link-relay/internal/store"
)

// StateView is the output form of an identity's linking state.
type StateView struct {
	Identity string `json:"identity"`
	State    string `json:"state"`
	Code     string `json:"code,omitempty"`
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <identity>",
		Short: "Show the linking state of a chat identity (e.g. telegram:42)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity := store.Identity(args[0])

			st, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			state, err := st.GetState(cmd.Context(), identity)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read state", err)
			}

			code, err := st.CodeFor(cmd.Context(), identity)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return WrapExitError(ExitCommandError, "failed to read binding", err)
			}

			view := StateView{Identity: string(identity), State: string(state), Code: code}
			return emit(cmd.OutOrStdout(), rootOpts.Format, view, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "identity:\t%s\n", view.Identity)
				fmt.Fprintf(tw, "state:\t%s\n", view.State)
				if view.Code == "" {
					fmt.Fprintf(tw, "code:\t-\n")
				} else {
					fmt.Fprintf(tw, "code:\t%s\n", view.Code)
				}
			})
		},
	}
}
