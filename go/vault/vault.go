// Package vault fetches per-topic broker credentials for a test.
// Credentials are opaque field maps: the probe never interprets or logs
// their values, and adapters surface redacted errors only.
package vault

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/manifest"
	log "github.com/sirupsen/logrus"
)

// Credentials of a single topic: an opaque field map passed through to the
// broker client.
type Credentials map[string]string

// Vault is the credential port of the probe.
type Vault interface {
	// FetchCredentials returns one Credentials per directive, in directive
	// order. A secret missing a required field is a hard error.
	FetchCredentials(ctx context.Context, testID uuid.UUID, directives []manifest.Directive) ([]Credentials, error)
}

// Config of the Vault port.
type Config struct {
	// Provider selects the adapter: "local", "aws", "gcp", or "hashicorp".
	Provider string
	// RequiredFields must be present in every fetched secret.
	RequiredFields []string
	// SecretPrefix is prepended to the derived secret name.
	SecretPrefix string
	// LocalPath of the local adapter's credentials file.
	LocalPath string
	// GCPProject of the gcp adapter.
	GCPProject string
	// HashicorpMount is the KV mount of the hashicorp adapter.
	HashicorpMount string
}

// resolver is the adapter-specific half of a Vault: it fetches one named
// secret as a field map.
type resolver interface {
	resolve(ctx context.Context, name string) (Credentials, error)
}

type vault struct {
	cfg      Config
	resolver resolver
}

// New builds the Vault for |cfg|.
func New(cfg Config) (Vault, error) {
	var r resolver
	switch cfg.Provider {
	case "", "local":
		r = newLocalResolver(cfg.LocalPath)
	case "aws":
		r = newAWSResolver()
	case "gcp":
		if cfg.GCPProject == "" {
			return nil, fmt.Errorf("gcp vault provider requires a project")
		}
		r = newGCPResolver(cfg.GCPProject)
	case "hashicorp":
		r = newHashicorpResolver(cfg.HashicorpMount)
	default:
		return nil, fmt.Errorf("unknown vault provider %q", cfg.Provider)
	}
	return &vault{cfg: cfg, resolver: r}, nil
}

// SecretName derives the vault secret name of a directive: its principal
// when declared, else its topic, beneath the configured prefix.
func (v *vault) secretName(d *manifest.Directive) string {
	var name = d.Principal
	if name == "" {
		name = d.Topic
	}
	return v.cfg.SecretPrefix + name
}

func (v *vault) FetchCredentials(ctx context.Context, testID uuid.UUID, directives []manifest.Directive) ([]Credentials, error) {
	var out = make([]Credentials, 0, len(directives))

	for i := range directives {
		var d = &directives[i]
		var name = v.secretName(d)

		var creds, err = v.resolver.resolve(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("fetching credentials of topic %s: %w", d.Topic, err)
		}
		if err = v.verifyRequired(creds, d.Topic); err != nil {
			return nil, err
		}
		out = append(out, creds)

		log.WithFields(log.Fields{
			"testId": testID,
			"topic":  d.Topic,
			"secret": name,
			"fields": len(creds),
		}).Debug("fetched topic credentials")
	}
	return out, nil
}

// verifyRequired checks required fields by name, never logging values.
func (v *vault) verifyRequired(creds Credentials, topic string) error {
	for _, field := range v.cfg.RequiredFields {
		if value, ok := creds[field]; !ok || value == "" {
			return fmt.Errorf("credentials of topic %s are missing required field %q", topic, field)
		}
	}
	return nil
}
