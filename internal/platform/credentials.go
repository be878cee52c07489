package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

////////////////////////////////////////////////////////////////////////////////
// Credential store contract
////////////////////////////////////////////////////////////////////////////////

var (
	ErrCredentialMissing = errors.New("credential missing")
	ErrCredentialUnknown = errors.New("unknown credential name")
)

const credentialEnvPrefix = "PIPELINE_CRED_"

// RequiredCredentials lists every credential the pipeline reads, in the order
// operators are expected to create them.
func RequiredCredentials() []string {
	return []string{
		credAWS,
		credSonarToken,
		credAccountID,
		credECRRepo1,
		credECRRepo2,
		credGitHubApp,
		credGitHubPAT,
	}
}

func credentialPurpose(name string) string {
	switch name {
	case credAWS:
		return "cloud access key/secret"
	case credSonarToken:
		return "static-analysis service auth"
	case credAccountID:
		return "cloud account identifier"
	case credECRRepo1:
		return "first service's registry repository name"
	case credECRRepo2:
		return "second service's registry repository name"
	case credGitHubApp:
		return "source-control app credentials"
	case credGitHubPAT:
		return "source-control personal access token"
	default:
		return ""
	}
}

func isKnownCredential(name string) bool {
	return slices.Contains(RequiredCredentials(), name)
}

// credentialSource is what stages read secrets from.
type credentialSource interface {
	GetCredential(ctx context.Context, name string) (string, error)
}

type CredentialInfo struct {
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
	Present bool   `json:"present"`
	Preview string `json:"preview,omitempty"`
}

type CredentialStore struct {
	kv jetstream.KeyValue
}

func newCredentialStore(store *Store) *CredentialStore {
	return &CredentialStore{kv: store.kvCreds}
}

func (c *CredentialStore) PutCredential(ctx context.Context, name, value string) error {
	name = strings.TrimSpace(name)
	if !isKnownCredential(name) {
		return fmt.Errorf("%w: %q", ErrCredentialUnknown, name)
	}
	value = normalizeCredentialValue(value)
	if err := validateCredentialValue(name, value); err != nil {
		return err
	}
	_, err := c.kv.Put(ctx, kvCredKeyPrefix+name, []byte(value))
	return err
}

func (c *CredentialStore) DeleteCredential(ctx context.Context, name string) error {
	return c.kv.Delete(ctx, kvCredKeyPrefix+strings.TrimSpace(name))
}

func (c *CredentialStore) GetCredential(ctx context.Context, name string) (string, error) {
	e, err := c.kv.Get(ctx, kvCredKeyPrefix+name)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: %s", ErrCredentialMissing, name)
		}
		return "", err
	}
	value := normalizeCredentialValue(string(e.Value()))
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrCredentialMissing, name)
	}
	return value, nil
}

func (c *CredentialStore) ListCredentials(ctx context.Context) ([]CredentialInfo, error) {
	return listCredentials(ctx, c)
}

// CheckRequired returns the required credentials that are not stored yet.
func (c *CredentialStore) CheckRequired(ctx context.Context) ([]string, error) {
	return missingCredentials(ctx, c, RequiredCredentials())
}

// ImportCredentialsFromEnv copies PIPELINE_CRED_<NAME> values into the store. It returns
// the names it imported.
func (c *CredentialStore) ImportCredentialsFromEnv(ctx context.Context) ([]string, error) {
	var imported []string
	for _, name := range RequiredCredentials() {
		value, ok := os.LookupEnv(credentialEnvName(name))
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := c.PutCredential(ctx, name, value); err != nil {
			return imported, fmt.Errorf("import %s: %w", name, err)
		}
		imported = append(imported, name)
	}
	return imported, nil
}

// envCredentials reads PIPELINE_CRED_<NAME> directly; used by CLI commands
// that run without the server.
type envCredentials struct{}

func (envCredentials) GetCredential(_ context.Context, name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(credentialEnvName(name)))
	if value == "" {
		return "", fmt.Errorf("%w: %s (set %s)", ErrCredentialMissing, name, credentialEnvName(name))
	}
	return value, nil
}

// staticCredentials is an in-memory source, mostly for tests.
type staticCredentials map[string]string

func (s staticCredentials) GetCredential(_ context.Context, name string) (string, error) {
	value := normalizeCredentialValue(s[name])
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrCredentialMissing, name)
	}
	return value, nil
}

// normalizeCredentialValue drops surrounding whitespace; values pasted from
// files or env vars often carry a trailing newline.
func normalizeCredentialValue(value string) string {
	return strings.TrimSpace(value)
}

func credentialEnvName(name string) string {
	return credentialEnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func listCredentials(ctx context.Context, src credentialSource) ([]CredentialInfo, error) {
	out := make([]CredentialInfo, 0, len(RequiredCredentials()))
	for _, name := range RequiredCredentials() {
		info := CredentialInfo{Name: name, Purpose: credentialPurpose(name), Present: false, Preview: ""}
		value, err := src.GetCredential(ctx, name)
		switch {
		case err == nil:
			info.Present = true
			info.Preview = maskCredential(value)
		case errors.Is(err, ErrCredentialMissing):
		default:
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// missingCredentials returns the subset of names not present in src.
func missingCredentials(ctx context.Context, src credentialSource, names []string) ([]string, error) {
	var missing []string
	for _, name := range names {
		_, err := src.GetCredential(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrCredentialMissing) {
			return nil, err
		}
		missing = append(missing, name)
	}
	return missing, nil
}

func maskCredential(value string) string {
	value = strings.TrimSpace(value)
	if len(value) <= 4 {
		return "****"
	}
	return strings.Repeat("*", min(len(value)-4, 12)) + value[len(value)-4:]
}

func validateCredentialValue(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("credential %s must not be empty", name)
	}
	if len(value) > maxCredentialValueBytes {
		return fmt.Errorf("credential %s exceeds max length", name)
	}
	switch name {
	case credAWS:
		_, err := parseAWSCredentials(value)
		return err
	case credGitHubApp:
		_, err := parseGitHubAppCredentials(value)
		return err
	case credAccountID:
		if !isAWSAccountID(strings.TrimSpace(value)) {
			return fmt.Errorf("credential %s must be a 12 digit account id", name)
		}
	case credECRRepo1, credECRRepo2:
		if !imageRe.MatchString(strings.TrimSpace(value)) {
			return fmt.Errorf("credential %s must be a registry repository name", name)
		}
	}
	return nil
}

type awsCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

func (c awsCredentials) env(region string) []string {
	return []string{
		"AWS_ACCESS_KEY_ID=" + c.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY=" + c.SecretAccessKey,
		"AWS_REGION=" + region,
		"AWS_DEFAULT_REGION=" + region,
	}
}

// parseAWSCredentials accepts "ACCESS_KEY_ID:SECRET_ACCESS_KEY".
func parseAWSCredentials(raw string) (awsCredentials, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(raw), ":")
	id = strings.TrimSpace(id)
	secret = strings.TrimSpace(secret)
	if !ok || id == "" || secret == "" {
		return awsCredentials{}, fmt.Errorf("credential %s must be ACCESS_KEY_ID:SECRET_ACCESS_KEY", credAWS)
	}
	return awsCredentials{AccessKeyID: id, SecretAccessKey: secret}, nil
}

type gitHubAppCredentials struct {
	AppID         string
	WebhookSecret string
}

// parseGitHubAppCredentials accepts "APP_ID:WEBHOOK_SECRET".
func parseGitHubAppCredentials(raw string) (gitHubAppCredentials, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(raw), ":")
	id = strings.TrimSpace(id)
	if !ok || id == "" || secret == "" {
		return gitHubAppCredentials{}, fmt.Errorf("credential %s must be APP_ID:WEBHOOK_SECRET", credGitHubApp)
	}
	return gitHubAppCredentials{AppID: id, WebhookSecret: secret}, nil
}

func isAWSAccountID(v string) bool {
	if len(v) != 12 {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
