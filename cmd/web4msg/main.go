// Command web4msg sends and receives ordered, end-to-end encrypted
// messages over a shared store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"web4msg/internal/backend"
	"web4msg/internal/config"
	"web4msg/internal/crypto"
	"web4msg/internal/debuglog"
	"web4msg/internal/node"
	"web4msg/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type globalFlags struct {
	home    string
	backend string
	sqlite  string
	redis   string
	relay   string
	relayCA string
	journal bool
	debug   bool
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer debuglog.Sync()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "web4msg",
		Short:         "Ordered, deduplicated encrypted messaging over a shared store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.home, "home", "", "state directory (default ~/.web4msg)")
	pf.StringVar(&g.backend, "store", "", "store backend: memory, sqlite, redis, relay")
	pf.StringVar(&g.sqlite, "sqlite", "", "sqlite database path")
	pf.StringVar(&g.redis, "redis", "", "redis address or URL")
	pf.StringVar(&g.relay, "relay", "", "relay address host:port")
	pf.StringVar(&g.relayCA, "relay-ca", "", "PEM file trusted for the relay certificate")
	pf.BoolVar(&g.journal, "journal", false, "journal the memory store under home")
	pf.BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newKeygenCmd(g),
		newWhoamiCmd(g),
		newSendCmd(g),
		newListenCmd(g),
		newGroupCmd(g),
		newUserCmd(g),
	)
	return root
}

// load applies flags over file and environment settings.
func (g *globalFlags) load() (config.Config, error) {
	if g.debug {
		_ = os.Setenv("WEB4MSG_DEBUG", "1")
	}
	cfg, err := config.Load(g.home)
	if err != nil {
		return config.Config{}, err
	}
	if g.backend != "" {
		cfg.Store.Backend = g.backend
	}
	if g.sqlite != "" {
		cfg.Store.SQLitePath = g.sqlite
	}
	if g.redis != "" {
		cfg.Store.RedisAddr = g.redis
	}
	if g.relay != "" {
		cfg.Store.RelayAddr = g.relay
	}
	if g.relayCA != "" {
		cfg.Store.RelayCA = g.relayCA
	}
	if g.journal {
		cfg.Store.Journal = true
	}
	return cfg, cfg.Validate()
}

// session is one command's node and the store beneath it.
type session struct {
	cfg  config.Config
	st   store.Store
	node *node.Node
}

func (g *globalFlags) open(ctx context.Context) (*session, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	kp, err := crypto.LoadKeypair(cfg.Home)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.New("no identity; run web4msg keygen first")
		}
		return nil, err
	}
	st, err := backend.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	n, err := node.New(ctx, st, kp, node.OptionsFromConfig(cfg))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &session{cfg: cfg, st: st, node: n}, nil
}

func (s *session) Close() {
	_ = s.node.Close()
	if path := s.cfg.MetricsSnapshot; path != "" {
		if err := s.node.Metrics().WriteSnapshot(path); err != nil {
			debuglog.Logf("metrics snapshot: %v", err)
		}
	}
	_ = s.st.Close()
}

// resolvePeer accepts a public id or @username.
func (s *session) resolvePeer(ctx context.Context, to string) (string, error) {
	name, ok := strings.CutPrefix(to, "@")
	if !ok {
		return to, nil
	}
	pub, found, err := s.node.SearchUser(ctx, name)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("unknown user %q", name)
	}
	return pub, nil
}

func newKeygenCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the identity keypair if missing and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			kp, err := crypto.LoadOrCreate(cfg.Home)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kp.ID())
			return nil
		},
	}
}

func newWhoamiCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the identity id, encryption key and username",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id=%s\n", s.node.ID())
			name, ok, err := s.node.GetUsername(cmd.Context(), "")
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(out, "username=%s\n", name)
			}
			return nil
		},
	}
}
