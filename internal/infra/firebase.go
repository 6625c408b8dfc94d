// README: Firebase Admin SDK initialisation: ID-token verifier, RTDB client and FCM client.
package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FirebaseToken holds the verified token data used by downstream middleware.
type FirebaseToken struct {
	UID    string
	Claims map[string]interface{}
}

// TokenVerifier verifies a raw Firebase ID token string and returns token data.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error)
}

// Firebase bundles the Admin SDK clients the core talks to.
type Firebase struct {
	app       *firebase.App
	auth      *auth.Client
	Database  *db.Client
	Messaging *messaging.Client
}

// NewFirebase initialises the Admin SDK. credentialsFile may be empty to use
// application-default credentials; databaseURL may be empty when the RTDB
// mirror is disabled, in which case Database stays nil.
func NewFirebase(ctx context.Context, projectID, credentialsFile, databaseURL string) (*Firebase, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID, DatabaseURL: databaseURL}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Messaging: %w", err)
	}
	fb := &Firebase{app: app, auth: authClient, Messaging: msgClient}
	if databaseURL != "" {
		dbClient, err := app.Database(ctx)
		if err != nil {
			return nil, fmt.Errorf("firebase app.Database: %w", err)
		}
		fb.Database = dbClient
	}
	return fb, nil
}

// Verifier exposes the auth client as a TokenVerifier.
func (f *Firebase) Verifier() TokenVerifier {
	return &firebaseVerifier{client: f.auth}
}

type firebaseVerifier struct {
	client *auth.Client
}

func (v *firebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*FirebaseToken, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return &FirebaseToken{UID: token.UID, Claims: token.Claims}, nil
}

// DevVerifier accepts unsigned "<uid>:<role>" tokens for local runs and the
// bench. Never enable it in front of real traffic.
type DevVerifier struct{}

func (DevVerifier) VerifyIDToken(_ context.Context, raw string) (*FirebaseToken, error) {
	uid, role, _ := strings.Cut(raw, ":")
	if uid == "" {
		return nil, errors.New("dev token has no uid")
	}
	claims := map[string]interface{}{}
	if role != "" {
		claims["role"] = role
	}
	return &FirebaseToken{UID: uid, Claims: claims}, nil
}
