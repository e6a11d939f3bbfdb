package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// CustomTokenTTL is how long Firebase accepts a minted custom token.
const CustomTokenTTL = time.Hour

// ErrNoUID is returned when a Firebase provider is built without a uid.
var ErrNoUID = errors.New("token: firebase uid is required")

// CustomTokenMinter mints Firebase custom tokens. *auth.Client satisfies it.
type CustomTokenMinter interface {
	CustomToken(ctx context.Context, uid string) (string, error)
}

// FirebaseConfig selects the project and identity for minted tokens.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string // optional; application default credentials otherwise
	UID             string
}

// Firebase returns a provider that mints custom tokens for uid. Tokens are
// cached for slightly less than their lifetime.
func Firebase(minter CustomTokenMinter, uid string) (Provider, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, ErrNoUID
	}

	mint := func(ctx context.Context) (string, error) {
		tok, err := minter.CustomToken(ctx, uid)
		if err != nil {
			return "", fmt.Errorf("mint custom token: %w", err)
		}
		return tok, nil
	}
	return Cached(mint, CustomTokenTTL-5*time.Minute, nil), nil
}

// NewFirebase initialises a Firebase app and auth client from cfg and
// returns a custom-token provider backed by it.
func NewFirebase(ctx context.Context, cfg FirebaseConfig) (Provider, error) {
	if strings.TrimSpace(cfg.UID) == "" {
		return nil, ErrNoUID
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app init: %w", err)
	}

	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth init: %w", err)
	}

	return Firebase(client, cfg.UID)
}
