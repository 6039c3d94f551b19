package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/reportsync/internal/version"
)

func newVersionCommand(a *app) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the reportsync version, and optionally the server API version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current()); err != nil {
				return err
			}
			if !remote {
				return nil
			}
			cli, err := a.client("")
			if err != nil {
				return err
			}
			defer cli.Close()
			v, err := cli.APIVersion(cmd.Context())
			if err != nil {
				return err
			}
			acls, err := cli.ACLsEnabled(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "server %s api %s acls=%t legacy=%t\n", cli.BaseURL(), v, acls, v.Legacy())
			return err
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also query the server API version")
	return cmd
}
