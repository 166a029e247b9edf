package userdir

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go"
	fbauth "firebase.google.com/go/auth"
	"google.golang.org/api/option"

	"tidepredator/internal/logging"
)

// AuthClient verifies Firebase ID tokens for the admin dashboard's
// login handler, the same credential-file pattern push_service.go
// uses for its FCM client: missing credentials disable the feature
// with a warning rather than failing engine startup.
type AuthClient struct {
	client *fbauth.Client
	logger *logging.Logger
}

// NewAuthClient loads credentialsFile and initializes the Firebase
// Auth client. Returns (nil, nil) — not an error — when the file is
// absent, matching push_service.go's NewPushService disabled-fallback.
func NewAuthClient(ctx context.Context, credentialsFile string, logger *logging.Logger) (*AuthClient, error) {
	if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
		logger.Warn("userdir: firebase credentials file not found, dashboard login disabled", map[string]any{"path": credentialsFile})
		return nil, nil
	}

	opt := option.WithCredentialsFile(credentialsFile)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("userdir: init firebase app: %w", err)
	}

	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("userdir: init firebase auth client: %w", err)
	}

	logger.Info("userdir: firebase auth client initialized", map[string]any{"credentials": credentialsFile})
	return &AuthClient{client: client, logger: logger}, nil
}

// VerifyIDToken checks a Firebase ID token the dashboard's login page
// submitted and returns the verified uid and email, so adminapi can
// issue its own internal JWT scoped to that uid.
func (a *AuthClient) VerifyIDToken(ctx context.Context, idToken string) (uid, email string, err error) {
	if a == nil || a.client == nil {
		return "", "", fmt.Errorf("userdir: firebase auth not configured")
	}
	token, err := a.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return "", "", fmt.Errorf("userdir: verify id token: %w", err)
	}
	if claim, ok := token.Claims["email"].(string); ok {
		email = claim
	}
	return token.UID, email, nil
}

// Enabled reports whether Firebase Auth is configured, so adminapi can
// fall back to password-only login when it isn't.
func (a *AuthClient) Enabled() bool {
	return a != nil && a.client != nil
}
