package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"web4msg/internal/node"
)

func printMessage(w io.Writer, m node.Message) {
	if m.GroupID != "" {
		fmt.Fprintf(w, "group=%s from=%s id=%s %s\n", m.GroupID, m.From, m.ID, m.Content)
		return
	}
	if m.HasIndex {
		fmt.Fprintf(w, "from=%s id=%s index=%d %s\n", m.From, m.ID, m.Index, m.Content)
		return
	}
	fmt.Fprintf(w, "from=%s id=%s %s\n", m.From, m.ID, m.Content)
}

func newSendCmd(g *globalFlags) *cobra.Command {
	var to, msg string
	var priority int
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a direct message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			peer, err := s.resolvePeer(cmd.Context(), to)
			if err != nil {
				return err
			}
			res := s.node.SendPriority(cmd.Context(), peer, msg, priority)
			if !res.Success {
				return res.Err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent id=%s\n", res.MessageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient id or @username")
	cmd.Flags().StringVar(&msg, "msg", "", "message text")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority, higher first")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("msg")
	return cmd
}

func newListenCmd(g *globalFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print direct messages as they arrive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			out := cmd.OutOrStdout()
			s.node.OnMessage(func(m node.Message) { printMessage(out, m) })
			if err := s.node.StartListening(cmd.Context()); err != nil {
				return err
			}
			waitFor(cmd, wait)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "for", 0, "stop after this long (default: until interrupted)")
	return cmd
}

// waitFor blocks until the command's context ends or d elapses.
func waitFor(cmd *cobra.Command, d time.Duration) {
	if d <= 0 {
		<-cmd.Context().Done()
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-cmd.Context().Done():
	case <-t.C:
	}
}
