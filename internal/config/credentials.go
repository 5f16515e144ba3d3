package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables read by LoadCredentials.
const (
	EnvAPIKey           = "API_KEY"
	EnvWebhookSignature = "WEBHOOK_SIGNATURE"
)

// ErrMissingAPIKey is returned when no API credential is configured.
var ErrMissingAPIKey = errors.New("API_KEY is not set")

// Credentials are the secrets the pipeline needs at runtime. They are kept
// out of Settings so a settings file can be shared without leaking them.
type Credentials struct {
	// APIKey is sent as the X-API-Key header on every outbound request.
	APIKey string

	// WebhookSignature is compared against the X-Signature header of
	// completion notifications. Empty disables the check.
	WebhookSignature string
}

// LoadCredentials loads envFiles (".env" when none are given) into the
// process environment without overriding variables already set, then
// reads the credentials. Missing env files are ignored.
func LoadCredentials(envFiles ...string) (Credentials, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	creds := Credentials{
		APIKey:           strings.TrimSpace(os.Getenv(EnvAPIKey)),
		WebhookSignature: os.Getenv(EnvWebhookSignature),
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// Validate checks that the required API key is present.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// SignatureRequired reports whether completion notifications are
// authenticated.
func (c Credentials) SignatureRequired() bool {
	return c.WebhookSignature != ""
}
