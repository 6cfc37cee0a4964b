package config

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// SetupFirebase initializes the Firebase app. Without a credentials file the
// application default credentials are used.
func SetupFirebase(ctx context.Context, cfg Config) (*firebase.App, error) {
	var firebaseConfig *firebase.Config
	if cfg.FirebaseProjectId != "" {
		firebaseConfig = &firebase.Config{ProjectID: cfg.FirebaseProjectId}
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, firebaseConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing firebase: %w", err)
	}
	return app, nil
}
