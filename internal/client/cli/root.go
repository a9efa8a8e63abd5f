package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dmitrijs2005/poskeeper/internal/client/client"
	"github.com/dmitrijs2005/poskeeper/internal/common"
)

// Dialer opens a client for the terminal listening on socket.
type Dialer func(socket string) (client.Client, error)

func dialSocket(socket string) (client.Client, error) {
	return client.Dial(socket)
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Socket  string
	Format  string
	Timeout time.Duration

	dial Dialer
	in   *bufio.Reader
}

// NewRootCommand creates the posctl command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(dialSocket, os.Stdin)
}

func newRootCommand(dial Dialer, in io.Reader) *cobra.Command {
	opts := &RootOptions{dial: dial, in: bufio.NewReader(in)}
	v := viper.New()
	v.SetEnvPrefix("POS")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "posctl",
		Short:         "Inspect and operate a POS terminal's local queues",
		Long:          "posctl talks to the terminal process over its local socket.\n\nThe socket can also be set with POS_SOCKET.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.Socket = v.GetString("socket")
			if !isValidFormat(opts.Format) {
				return &ExitError{Code: ExitCommandError, Err: fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)}
			}
			return nil
		},
	}

	defaultSocket := filepath.Join(common.DefaultDataDir, common.DefaultSocketName)
	cmd.PersistentFlags().String("socket", defaultSocket, "terminal socket path")
	_ = v.BindPFlag("socket", cmd.PersistentFlags().Lookup("socket"))
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 15*time.Second, "per-call timeout")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newOrdersCommand(opts))
	cmd.AddCommand(newPrintsCommand(opts))
	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newPinCommand(opts))
	cmd.AddCommand(newManagerCommand(opts))

	return cmd
}

// run dials the terminal, calls fn and reports its result.
func (o *RootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, c client.Client, out *OutputFormatter) error) error {
	c, err := o.dial(o.Socket)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Err: fmt.Errorf("connect to terminal at %s: %w", o.Socket, err)}
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()

	out := &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
	if err := fn(ctx, c, out); err != nil {
		_ = out.Error(err)
		return err
	}
	return nil
}
