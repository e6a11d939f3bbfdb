package cli

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/cartsync/internal/relay"
)

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Addr      string
	Token     string
	RedisAddr string
	Channel   string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the development event relay",
		Long: `Run a websocket relay that realtime sessions can connect to.

Events POSTed to /publish, or sent by any connected client, are broadcast to
every connected session. With --redis, events fan out across relay processes
through a Redis channel.

Example:
  cartsync relay --addr :8787 --token dev-secret
  cartsync relay --redis localhost:6379`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&opts.Token, "token", "", "token clients must present")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis", "", "Redis address for cross-process fan-out")
	cmd.Flags().StringVar(&opts.Channel, "channel", "", "Redis pub/sub channel")

	return cmd
}

func runRelay(cmd *cobra.Command, opts *RelayOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	rc := cfg.Relay
	if opts.Addr != "" {
		rc.Addr = opts.Addr
	}
	if opts.Token != "" {
		rc.Token = opts.Token
	}
	if opts.RedisAddr != "" {
		rc.RedisAddr = opts.RedisAddr
	}
	if opts.Channel != "" {
		rc.Channel = opts.Channel
	}

	var rdb *redis.Client
	if rc.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: rc.RedisAddr})
		defer func() {
			if err := rdb.Close(); err != nil {
				slog.Error("error closing redis client", "error", err)
			}
		}()
	}
	if rc.Token == "" {
		slog.Warn("relay running without a token, any client may connect")
	}

	srv := relay.NewServer(relay.Config{
		Token:      rc.Token,
		TokenParam: cfg.Realtime.TokenParam,
		Redis:      rdb,
		Channel:    rc.Channel,
		Logger:     slog.Default(),
	})

	ctx, stop := withSignals(cmd)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", rc.Addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := srv.ListenAndServe(ctx, rc.Addr); err != nil {
		return WrapExitError(ExitFailure, "relay error", err)
	}

	slog.Info("relay stopped gracefully")
	return nil
}
