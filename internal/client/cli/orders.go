package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/poskeeper/internal/client/client"
	"github.com/dmitrijs2005/poskeeper/internal/rpcapi"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store, encryption, upstream and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return out.Success(st, renderStatus(st))
			})
		},
	}
}

func newOrdersCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Work with the order submission queue",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List orders oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				orders, err := c.ListOrders(ctx, status)
				if err != nil {
					return err
				}
				return out.Success(orders, renderOrders(orders))
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "only orders in this status (pending|syncing|synced|failed)")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count orders per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				s, err := c.OrderStats(ctx)
				if err != nil {
					return err
				}
				return out.Success(s, renderStats(s))
			})
		},
	}

	retry := orderAction(opts, "retry <id>", "Put a failed order back in the queue",
		func(ctx context.Context, c client.Client, args []string) (*rpcapi.Order, error) {
			return c.RetryOrder(ctx, args[0])
		})

	synced := orderAction(opts, "synced <id> <server-id>", "Record that the upstream accepted an order",
		func(ctx context.Context, c client.Client, args []string) (*rpcapi.Order, error) {
			return c.MarkOrderSynced(ctx, args[0], args[1])
		})
	synced.Args = cobra.ExactArgs(2)

	var reason string
	failed := orderAction(opts, "failed <id>", "Mark an order as failed",
		func(ctx context.Context, c client.Client, args []string) (*rpcapi.Order, error) {
			return c.MarkOrderFailed(ctx, args[0], reason)
		})
	failed.Flags().StringVar(&reason, "reason", "", "why the order failed")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				if err := c.DeleteOrder(ctx, args[0]); err != nil {
					return err
				}
				return out.Success(map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "deleted %s\n", args[0])
				})
			})
		},
	}

	cmd.AddCommand(list, stats, retry, synced, failed, del, newSubmitCommand(opts))
	return cmd
}

func newSubmitCommand(opts *RootOptions) *cobra.Command {
	var localID, key, payloadFile string
	var queueOnly bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Finalize an order from a JSON file and try to sync it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(payloadFile, opts.in)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			if key == "" {
				key = uuid.NewString()
			}
			req := rpcapi.OrderRequest{LocalID: localID, IdempotencyKey: key, Payload: payload}

			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				if queueOnly {
					o, err := c.EnqueueOrder(ctx, req)
					if err != nil {
						return err
					}
					return out.Success(o, renderOrders([]*rpcapi.Order{o}))
				}
				res, err := c.SubmitOrder(ctx, req)
				if err != nil {
					return err
				}
				return out.Success(res, func(w io.Writer) {
					if res.Order != nil {
						renderOrders([]*rpcapi.Order{res.Order})(w)
					}
					switch {
					case res.Duplicate:
						fmt.Fprintln(w, "already queued")
					case res.Synced:
						fmt.Fprintln(w, "synced")
					case res.SyncError != nil:
						fmt.Fprintf(w, "queued, not synced: %s\n", res.SyncError.Message)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&localID, "local-id", "", "terminal-local order number")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when empty)")
	cmd.Flags().StringVar(&payloadFile, "payload", "-", "JSON payload file, - for stdin")
	cmd.Flags().BoolVar(&queueOnly, "queue-only", false, "store the order without an immediate attempt")
	_ = cmd.MarkFlagRequired("local-id")
	return cmd
}

func orderAction(opts *RootOptions, use, short string, call func(context.Context, client.Client, []string) (*rpcapi.Order, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
				o, err := call(ctx, c, args)
				if err != nil {
					return err
				}
				return out.Success(o, renderOrders([]*rpcapi.Order{o}))
			})
		},
	}
}

// readPayload reads a JSON document from path, or from stdin for "-".
func readPayload(path string, stdin io.Reader) (json.RawMessage, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("payload in %s is not valid JSON", path)
	}
	return b, nil
}
