package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/cartsync/internal/config"
)

const masked = "********"

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the --config file and CARTSYNC_*
environment variables have been applied. Secrets are masked.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			cfg = maskSecrets(cfg)

			w := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				out := &OutputFormatter{Format: rootOpts.Format, Writer: w}
				return out.Success(cfg)
			}

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			rows := [][2]string{
				{"storage.driver", cfg.Storage.Driver},
				{"storage.path", cfg.Storage.Path},
				{"storage.addr", cfg.Storage.Addr},
				{"storage.dsn", cfg.Storage.DSN},
				{"storage.project", cfg.Storage.Project},
				{"storage.collection", cfg.Storage.Collection},
				{"storage.namespace", cfg.Storage.Namespace},
				{"storage.ttl", cfg.Storage.TTL},
				{"order.base_url", cfg.Order.BaseURL},
				{"order.timeout", cfg.Order.Timeout},
				{"realtime.url", cfg.Realtime.URL},
				{"realtime.source", cfg.Realtime.Source},
				{"realtime.token", cfg.Realtime.Token},
				{"realtime.token_env", cfg.Realtime.TokenEnv},
				{"realtime.token_param", cfg.Realtime.TokenParam},
				{"realtime.base_delay", cfg.Realtime.BaseDelay},
				{"realtime.max_delay", cfg.Realtime.MaxDelay},
				{"firebase.project", cfg.Firebase.Project},
				{"firebase.credentials_file", cfg.Firebase.CredentialsFile},
				{"firebase.uid", cfg.Firebase.UID},
				{"relay.addr", cfg.Relay.Addr},
				{"relay.token", cfg.Relay.Token},
				{"relay.redis_addr", cfg.Relay.RedisAddr},
				{"relay.channel", cfg.Relay.Channel},
			}
			for _, row := range rows {
				if row[1] == "" {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\n", row[0], row[1])
			}
			return tw.Flush()
		},
	}
}

// maskSecrets hides tokens and connection strings.
func maskSecrets(cfg config.Config) config.Config {
	for _, s := range []*string{&cfg.Realtime.Token, &cfg.Relay.Token, &cfg.Storage.DSN} {
		if *s != "" {
			*s = masked
		}
	}
	return cfg
}
