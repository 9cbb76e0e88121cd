// ABOUTME: Command for reading the notification delivery log
// ABOUTME: Lists recent attempts for one code or for every code

package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// DeliveriesOptions holds flags for the deliveries command.
type DeliveriesOptions struct {
	*RootOptions
	Limit int
}

// DeliveryView is the output form of a delivery attempt.
type DeliveryView struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Identity  string    `json:"identity"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewDeliveriesCommand creates the deliveries command.
func NewDeliveriesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeliveriesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deliveries [code]",
		Short: "List recent notification deliveries, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code string
			if len(args) == 1 {
				code = args[0]
			}

			st, err := openStore(opts.RootOptions)
			if err != nil {
				return err
			}
			defer st.Close()

			deliveries, err := st.ListDeliveries(cmd.Context(), code, opts.Limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list deliveries", err)
			}

			views := make([]DeliveryView, 0, len(deliveries))
			for _, d := range deliveries {
				views = append(views, DeliveryView{
					ID:        d.ID,
					Code:      d.Code,
					Identity:  string(d.Identity),
					Status:    string(d.Status),
					Error:     d.Error,
					CreatedAt: d.CreatedAt,
				})
			}

			return emit(cmd.OutOrStdout(), opts.Format, views, func(tw *tabwriter.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(tw, "No deliveries found.")
					return
				}
				fmt.Fprintln(tw, "WHEN\tCODE\tIDENTITY\tSTATUS\tERROR")
				for _, v := range views {
					errText := v.Error
					if errText == "" {
						errText = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						v.CreatedAt.Local().Format(time.DateTime), v.Code, v.Identity, v.Status, errText)
				}
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of deliveries to show")
	return cmd
}
