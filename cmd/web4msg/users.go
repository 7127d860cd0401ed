package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUserCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Register and look up usernames",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "register <name>",
			Short: "Claim a username for this identity",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := g.open(cmd.Context())
				if err != nil {
					return err
				}
				defer s.Close()
				name, err := s.node.RegisterUsername(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "search <name>",
			Short: "Print the id that owns a username",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := g.open(cmd.Context())
				if err != nil {
					return err
				}
				defer s.Close()
				pub, ok, err := s.node.SearchUser(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("unknown user %q", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), pub)
				return nil
			},
		},
		&cobra.Command{
			Use:   "available <name>",
			Short: "Report whether a username is free",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := g.open(cmd.Context())
				if err != nil {
					return err
				}
				defer s.Close()
				free, err := s.node.IsUsernameAvailable(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "available=%v\n", free)
				return nil
			},
		},
	)
	return cmd
}
