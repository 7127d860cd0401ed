package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"web4msg/internal/node"
)

func newGroupCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create, message and follow groups",
	}
	cmd.AddCommand(newGroupCreateCmd(g), newGroupAddCmd(g), newGroupSendCmd(g), newGroupListenCmd(g))
	return cmd
}

func newGroupCreateCmd(g *globalFlags) *cobra.Command {
	var name string
	var members []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group and share its key with the members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			pubs := make([]string, 0, len(members))
			for _, m := range members {
				pub, err := s.resolvePeer(cmd.Context(), m)
				if err != nil {
					return err
				}
				pubs = append(pubs, pub)
			}
			gid, err := s.node.CreateGroup(cmd.Context(), name, pubs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group=%s\n", gid)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "group name")
	cmd.Flags().StringSliceVar(&members, "member", nil, "member id or @username (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newGroupAddCmd(g *globalFlags) *cobra.Command {
	var gid, member string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a member to a group you created",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			pub, err := s.resolvePeer(cmd.Context(), member)
			if err != nil {
				return err
			}
			if err := s.node.AddMember(cmd.Context(), gid, pub); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&gid, "group", "", "group id")
	cmd.Flags().StringVar(&member, "member", "", "member id or @username")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func newGroupSendCmd(g *globalFlags) *cobra.Command {
	var gid, msg string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			id, err := s.node.SendGroupMessage(cmd.Context(), gid, msg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent id=%s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&gid, "group", "", "group id")
	cmd.Flags().StringVar(&msg, "msg", "", "message text")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("msg")
	return cmd
}

func newGroupListenCmd(g *globalFlags) *cobra.Command {
	var gid string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print group messages as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			out := cmd.OutOrStdout()
			sub, err := s.node.ListenGroup(cmd.Context(), gid, func(m node.Message) { printMessage(out, m) })
			if err != nil {
				return err
			}
			defer sub.Close()
			waitFor(cmd, wait)
			return nil
		},
	}
	cmd.Flags().StringVar(&gid, "group", "", "group id")
	cmd.Flags().DurationVar(&wait, "for", 0, "stop after this long (default: until interrupted)")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}
