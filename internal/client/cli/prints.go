package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/poskeeper/internal/client/client"
	"github.com/dmitrijs2005/poskeeper/internal/rpcapi"
)

func newPrintsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prints",
		Short: "Work with the print job queue",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List print jobs oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				jobs, err := c.ListPrints(ctx, status)
				if err != nil {
					return err
				}
				return out.Success(jobs, renderJobs(jobs))
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "only jobs in this status (pending|printing|printed|failed)")

	var limit int
	history := &cobra.Command{
		Use:   "history <receipt|kitchen_ticket|report>",
		Short: "Show printed jobs of one type, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				jobs, err := c.PrintHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return out.Success(jobs, renderJobs(jobs))
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "at most this many jobs, 0 for all")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count print jobs per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				s, err := c.PrintStats(ctx)
				if err != nil {
					return err
				}
				return out.Success(s, renderStats(s))
			})
		},
	}

	retry := jobAction(opts, "retry <id>", "Print a failed job again",
		func(ctx context.Context, c client.Client, id string) (*rpcapi.PrintJob, error) {
			return c.RetryPrint(ctx, id)
		})
	reprint := jobAction(opts, "reprint <id>", "Print a copy of a printed job",
		func(ctx context.Context, c client.Client, id string) (*rpcapi.PrintJob, error) {
			return c.Reprint(ctx, id)
		})

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a print job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				if err := c.DeletePrint(ctx, args[0]); err != nil {
					return err
				}
				return out.Success(map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "deleted %s\n", args[0])
				})
			})
		},
	}

	cmd.AddCommand(list, history, stats, retry, reprint, del, newPrintCommand(opts))
	return cmd
}

func newPrintCommand(opts *RootOptions) *cobra.Command {
	var printer, payloadFile string

	cmd := &cobra.Command{
		Use:   "print <receipt|kitchen_ticket|report>",
		Short: "Queue a job from a JSON file and print it now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(payloadFile, opts.in)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				j, err := c.PrintJob(ctx, rpcapi.PrintRequest{JobType: args[0], PrinterName: printer, Payload: payload})
				if err != nil {
					return err
				}
				return out.Success(j, renderJobs([]*rpcapi.PrintJob{j}))
			})
		},
	}
	cmd.Flags().StringVar(&printer, "printer", "", "printer name, empty for the default")
	cmd.Flags().StringVar(&payloadFile, "payload", "-", "JSON payload file, - for stdin")
	return cmd
}

func jobAction(opts *RootOptions, use, short string, call func(context.Context, client.Client, string) (*rpcapi.PrintJob, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				j, err := call(ctx, c, args[0])
				if err != nil {
					return err
				}
				return out.Success(j, renderJobs([]*rpcapi.PrintJob{j}))
			})
		},
	}
}
