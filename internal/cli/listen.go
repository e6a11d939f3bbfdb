package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/cartsync/internal/config"
	"github.com/roach88/cartsync/internal/realtime"
)

// ListenOptions holds flags for the listen command.
type ListenOptions struct {
	*RootOptions
	URL   string
	Token string
	Count int
}

// NewListenCommand creates the listen command.
func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print events from the realtime channel",
		Long: `Open a realtime session and print every event it delivers.

The session reconnects with exponential backoff (1s doubling to 30s) until
interrupted. Frames that are not JSON objects are dropped.

Examples:
  cartsync listen --url https://events.example.com/ws --token $TOKEN
  cartsync listen --format json --count 10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "realtime endpoint (http, https, ws or wss)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "static access token")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many events (0 = run until interrupted)")

	return cmd
}

func runListen(cmd *cobra.Command, opts *ListenOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.URL != "" {
		cfg.Realtime.URL = opts.URL
	}
	if opts.Token != "" {
		cfg.Realtime.Source = config.SourceStatic
		cfg.Realtime.Token = opts.Token
	}
	if cfg.Realtime.URL == "" {
		return NewExitError(ExitCommandError,
			"realtime URL is not configured (set realtime.url, CARTSYNC_REALTIME_URL or --url)")
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ctx, stop := withSignals(cmd)
	defer stop()

	tokens, err := tokenProvider(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tokens", err)
	}
	if cfg.Realtime.Source == config.SourceNone {
		slog.Warn("no token source configured, the session will not connect")
	}

	events := make(chan realtime.Envelope, 16)
	session, err := realtime.Connect(realtime.Config{
		URL:        cfg.Realtime.URL,
		TokenParam: cfg.Realtime.TokenParam,
		Tokens:     tokens,
		Dialer:     realtime.GorillaDialer{TokenParam: cfg.Realtime.TokenParam},
		Logger:     slog.Default(),
		BaseDelay:  config.Duration(cfg.Realtime.BaseDelay),
		MaxDelay:   config.Duration(cfg.Realtime.MaxDelay),
		OnMessage: func(env realtime.Envelope) {
			select {
			case events <- env:
			case <-ctx.Done():
			}
		},
		OnClose: func(err error) {
			slog.Debug("realtime connection lost", "error", err)
		},
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start realtime session", err)
	}
	defer session.Dispose()

	w := cmd.OutOrStdout()
	encoder := json.NewEncoder(w)
	received := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-events:
			if opts.Format == "json" {
				if err := encoder.Encode(env); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(w, "%s %s\n", eventType(env), eventData(env))
			}

			received++
			if opts.Count > 0 && received >= opts.Count {
				return nil
			}
		}
	}
}

func eventType(env realtime.Envelope) string {
	if env.Type == "" {
		return "(untyped)"
	}
	return env.Type
}

func eventData(env realtime.Envelope) string {
	if len(env.Data) == 0 {
		return "-"
	}
	return string(env.Data)
}
