package service

import (
	"context"
	"fmt"
	"strings"

	"creditsvc/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// SecretRefPrefix marks a config value that names a Secret Manager secret.
const SecretRefPrefix = "sm://"

// SecretResolver replaces sm://<name>[/<version>] references in the config with
// secret payloads read from Google Secret Manager.
type SecretResolver struct {
	projectID string
	access    func(ctx context.Context, name string) (string, error)
	close     func() error
	logger    zerolog.Logger
}

// NewSecretResolver creates a Secret Manager backed resolver.
func NewSecretResolver(ctx context.Context, projectID string, logger zerolog.Logger, opts ...option.ClientOption) (*SecretResolver, error) {
	if projectID == "" {
		return nil, fmt.Errorf("GCP project ID is not set for secret resolution")
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	access := func(ctx context.Context, name string) (string, error) {
		result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err != nil {
			return "", err
		}
		return string(result.Payload.Data), nil
	}
	return newSecretResolver(projectID, access, client.Close, logger), nil
}

func newSecretResolver(projectID string, access func(context.Context, string) (string, error), closeFn func() error, logger zerolog.Logger) *SecretResolver {
	return &SecretResolver{
		projectID: projectID,
		access:    access,
		close:     closeFn,
		logger:    logger.With().Str("service", "SecretResolver").Logger(),
	}
}

// IsSecretRef reports whether v is an sm:// reference.
func IsSecretRef(v string) bool {
	return strings.HasPrefix(v, SecretRefPrefix)
}

// HasSecretRefs reports whether any secret-bearing config field is a reference.
func HasSecretRefs(cfg *config.Config) bool {
	for _, f := range secretFields(cfg) {
		if IsSecretRef(*f.value) {
			return true
		}
	}
	return false
}

// ResolveConfig resolves every secret-bearing field of cfg in place.
func (r *SecretResolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	for _, f := range secretFields(cfg) {
		if !IsSecretRef(*f.value) {
			continue
		}
		v, err := r.Resolve(ctx, *f.value)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f.env, err)
		}
		*f.value = v
		r.logger.Info().Str("field", f.env).Msg("Resolved secret reference")
	}
	return nil
}

// Resolve returns the secret payload for ref. Values that are not references are returned unchanged.
func (r *SecretResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !IsSecretRef(ref) {
		return ref, nil
	}
	name, version, _ := strings.Cut(strings.TrimPrefix(ref, SecretRefPrefix), "/")
	if name == "" {
		return "", fmt.Errorf("empty secret name in %q", ref)
	}
	if version == "" {
		version = "latest"
	}
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", r.projectID, name, version)
	v, err := r.access(ctx, resource)
	if err != nil {
		return "", fmt.Errorf("failed to access secret version %s: %w", resource, err)
	}
	return strings.TrimSpace(v), nil
}

// Close releases the underlying client.
func (r *SecretResolver) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

type secretField struct {
	env   string
	value *string
}

func secretFields(cfg *config.Config) []secretField {
	return []secretField{
		{"DB_CONNECTION_STRING", &cfg.DBConnectionString},
		{"JWT_SECRET", &cfg.JWTSecret},
		{"STRIPE_SECRET_KEY", &cfg.StripeSecretKey},
		{"STRIPE_WEBHOOK_SECRET", &cfg.StripeWebhookSecret},
	}
}
