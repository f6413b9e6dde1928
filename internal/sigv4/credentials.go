package sigv4

import (
	"errors"
	"log/slog"
	"os"
	"strings"
)

// ErrSerializeCredentials is returned when Credentials are marshaled.
var ErrSerializeCredentials = errors.New("sigv4: credentials must not be serialized")

// Credentials are AWS access keys. They print and log as a redacted value and
// refuse to marshal.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// CredentialsFromEnv reads the standard AWS environment variables.
func CredentialsFromEnv() Credentials {
	return Credentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
	}
}

// Validate reports missing key material.
func (c Credentials) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AccessKeyID) == "" {
		errs = append(errs, errors.New("sigv4: access key id is empty"))
	}
	if strings.TrimSpace(c.SecretAccessKey) == "" {
		errs = append(errs, errors.New("sigv4: secret access key is empty"))
	}
	return errors.Join(errs...)
}

func (c Credentials) String() string {
	if c.AccessKeyID == "" {
		return "Credentials{}"
	}
	return "Credentials{AccessKeyID: " + maskKey(c.AccessKeyID) + ", SecretAccessKey: [redacted]}"
}

func (c Credentials) GoString() string { return c.String() }

func (c Credentials) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

func (c Credentials) MarshalJSON() ([]byte, error) { return nil, ErrSerializeCredentials }
func (c Credentials) MarshalText() ([]byte, error) { return nil, ErrSerializeCredentials }

func maskKey(k string) string {
	if len(k) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(k)-4) + k[len(k)-4:]
}
