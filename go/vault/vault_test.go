package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/manifest"
	"github.com/stretchr/testify/require"
)

const credentialsFixture = `
kafka/orders:
  username: orders-user
  password: orders-pass
  mechanism: SCRAM-SHA-256
kafka/cmds-writer:
  username: cmds-user
  password: cmds-pass
  mechanism: PLAIN
kafka/broken:
  username: broken-user
  mechanism: PLAIN
`

func writeCredentialsFile(t *testing.T) string {
	t.Helper()

	var p = filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(p, []byte(credentialsFixture), 0o600))
	return p
}

func TestLocalVaultOrderPreserving(t *testing.T) {
	var v, err = New(Config{
		Provider:       "local",
		LocalPath:      writeCredentialsFile(t),
		SecretPrefix:   "kafka/",
		RequiredFields: []string{"username", "password"},
	})
	require.NoError(t, err)

	var directives = []manifest.Directive{
		{Topic: "cmds", Role: manifest.RoleProducer, Principal: "cmds-writer"},
		{Topic: "orders", Role: manifest.RoleConsumer},
	}

	creds, err := v.FetchCredentials(context.Background(), uuid.New(), directives)
	require.NoError(t, err)
	require.Len(t, creds, 2)

	// Credentials are returned in directive order; the principal overrides
	// the topic-derived secret name.
	require.Equal(t, "cmds-user", creds[0]["username"])
	require.Equal(t, "orders-user", creds[1]["username"])
}

func TestLocalVaultMissingRequiredField(t *testing.T) {
	var v, err = New(Config{
		Provider:       "local",
		LocalPath:      writeCredentialsFile(t),
		SecretPrefix:   "kafka/",
		RequiredFields: []string{"username", "password"},
	})
	require.NoError(t, err)

	var directives = []manifest.Directive{
		{Topic: "broken", Role: manifest.RoleConsumer},
	}

	_, err = v.FetchCredentials(context.Background(), uuid.New(), directives)
	require.Error(t, err)
	require.Contains(t, err.Error(), `missing required field "password"`)
	// The error names the field, never the values.
	require.NotContains(t, err.Error(), "broken-user")
}

func TestLocalVaultUnknownSecret(t *testing.T) {
	var v, err = New(Config{
		Provider:  "local",
		LocalPath: writeCredentialsFile(t),
	})
	require.NoError(t, err)

	_, err = v.FetchCredentials(context.Background(), uuid.New(), []manifest.Directive{
		{Topic: "nope", Role: manifest.RoleProducer},
	})
	require.ErrorContains(t, err, "secret nope not found")
}

func TestUnknownProvider(t *testing.T) {
	var _, err = New(Config{Provider: "sticky-note"})
	require.ErrorContains(t, err, `unknown vault provider "sticky-note"`)
}
