package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// gcpResolver serves secrets from Google Secret Manager. Secret payloads
// are JSON objects of string fields.
type gcpResolver struct {
	project string

	mu     sync.Mutex
	client *secretmanager.Client
}

func newGCPResolver(project string) *gcpResolver {
	return &gcpResolver{project: project}
}

func (r *gcpResolver) init(ctx context.Context) (*secretmanager.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		var client, err = secretmanager.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("building secret manager client: %w", err)
		}
		r.client = client
	}
	return r.client, nil
}

func (r *gcpResolver) resolve(ctx context.Context, name string) (Credentials, error) {
	var client, err = r.init(ctx)
	if err != nil {
		return nil, err
	}

	var version = fmt.Sprintf("projects/%s/secrets/%s/versions/latest", r.project, name)
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: version,
	})
	if err != nil {
		return nil, fmt.Errorf("accessing secret %s: %w", name, err)
	}

	var creds Credentials
	if err = json.Unmarshal(resp.Payload.Data, &creds); err != nil {
		return nil, fmt.Errorf("secret %s is not a JSON field map", name)
	}
	return creds, nil
}
