package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"vestnik/internal/commands"
	"vestnik/internal/config"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vestnik",
		Short:         "Realtime connectivity and presence client with a development relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRelayCmd(),
		newConnectCmd(),
		newIssueTokenCmd(),
	)
	return root
}

func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the development relay and its admin API",
		Long: `Run the development relay.

Peers connect to /ws?token=<token>. Envelopes are re-broadcast to every other
peer, pings are answered with pongs and joins and leaves are announced.
Tokens are issued through the admin API (see issue-token).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay(false)
			if err != nil {
				return err
			}
			return commands.RunRelay(cmd.Context(), cfg)
		},
	}
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect to a relay and chat from the terminal",
		Long: `Connect to a relay. Lines are sent as messages; commands start with a slash:

  /status  /who  /typing <conversation>  /read <conversation> <message>
  /online  /away  /busy  /hide  /show  /reconnect  /clear  /quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			return commands.RunConnect(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newIssueTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-token [user-id]",
		Short: "Issue a relay token through the admin API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay(true)
			if err != nil {
				return err
			}
			return commands.IssueToken(args[0], cfg, cmd.OutOrStdout())
		},
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if debug, _ := strconv.ParseBool(os.Getenv("DEBUG")); debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func run(ctx context.Context, args []string) error {
	// .env is optional
	_ = godotenv.Load()
	setupLogging()

	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
