package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/poskeeper/internal/client/client"
	"github.com/dmitrijs2005/poskeeper/internal/rpcapi"
)

func newLoginCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login [username]",
		Short: "Verify a staff password, online or against the offline cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var username string
			if len(args) == 1 {
				username = args[0]
			} else {
				var err error
				if username, err = GetSimpleText(opts.in, "Username", cmd.ErrOrStderr()); err != nil {
					return &ExitError{Code: ExitCommandError, Err: err}
				}
			}
			password, err := GetSecret(opts.in, "Password", cmd.ErrOrStderr())
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			return opts.verify(cmd, func(ctx context.Context, c client.Client) (*rpcapi.AuthResult, error) {
				return c.Login(ctx, username, password)
			})
		},
	}
}

func newPinCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pin <user-id>",
		Short: "Verify a staff PIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pin, err := GetSecret(opts.in, "PIN", cmd.ErrOrStderr())
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			return opts.verify(cmd, func(ctx context.Context, c client.Client) (*rpcapi.AuthResult, error) {
				return c.VerifyPin(ctx, args[0], pin)
			})
		},
	}
}

func newManagerCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "manager",
		Short: "Verify the management override password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := GetSecret(opts.in, "Management password", cmd.ErrOrStderr())
			if err != nil {
				return &ExitError{Code: ExitCommandError, Err: err}
			}
			return opts.verify(cmd, func(ctx context.Context, c client.Client) (*rpcapi.AuthResult, error) {
				return c.VerifyManagementSecret(ctx, password)
			})
		},
	}
}

func (o *RootOptions) verify(cmd *cobra.Command, call func(context.Context, client.Client) (*rpcapi.AuthResult, error)) error {
	return o.run(cmd, func(ctx context.Context, c client.Client, out *OutputFormatter) error {
		res, err := call(ctx, c)
		if err != nil {
			return err
		}
		return out.Success(res, renderAuth(res))
	})
}
