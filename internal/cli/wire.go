package cli

import (
	"context"
	"fmt"

	"github.com/roach88/cartsync/internal/config"
	"github.com/roach88/cartsync/internal/store"
	"github.com/roach88/cartsync/internal/token"
)

// loadConfig resolves the configuration for a command. Errors are command
// errors (exit code 2).
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openStorage opens the configured storage backend scoped to the configured
// namespace. The returned function releases the backend.
func openStorage(ctx context.Context, cfg config.Storage) (store.Storage, func() error, error) {
	var (
		backend store.Storage
		closer  = func() error { return nil }
	)

	switch cfg.Driver {
	case config.DriverMemory:
		backend = store.NewMemory()

	case config.DriverSQLite:
		s, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		backend, closer = s, s.Close

	case config.DriverRedis:
		r, err := store.DialRedis(ctx, cfg.Addr, config.Duration(cfg.TTL))
		if err != nil {
			return nil, nil, err
		}
		backend, closer = r, r.Close

	case config.DriverPostgres:
		p, err := store.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		backend, closer = p, p.Close

	case config.DriverFirestore:
		f, err := store.OpenFirestore(ctx, cfg.Project, cfg.CredentialsFile, cfg.Collection)
		if err != nil {
			return nil, nil, err
		}
		backend, closer = f, f.Close

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	return store.Namespace(backend, cfg.Namespace), closer, nil
}

// tokenProvider builds the bearer token source shared by the order API client
// and the realtime channel.
func tokenProvider(ctx context.Context, cfg config.Config) (token.Provider, error) {
	switch cfg.Realtime.Source {
	case config.SourceNone, "":
		return token.None(), nil
	case config.SourceStatic:
		return token.Static(cfg.Realtime.Token), nil
	case config.SourceEnv:
		return token.Env(cfg.Realtime.TokenEnv), nil
	case config.SourceFirebase:
		return token.NewFirebase(ctx, token.FirebaseConfig{
			ProjectID:       cfg.Firebase.Project,
			CredentialsFile: cfg.Firebase.CredentialsFile,
			UID:             cfg.Firebase.UID,
		})
	default:
		return nil, fmt.Errorf("unknown token source %q", cfg.Realtime.Source)
	}
}
