package vault

import (
	"context"
	"fmt"
	"path"
	"sync"

	vapi "github.com/hashicorp/vault/api"
)

// hashicorpResolver serves secrets from a HashiCorp Vault KV v2 mount.
// The client authenticates from the standard VAULT_ADDR / VAULT_TOKEN
// environment.
type hashicorpResolver struct {
	mount string

	mu     sync.Mutex
	client *vapi.Client
}

func newHashicorpResolver(mount string) *hashicorpResolver {
	if mount == "" {
		mount = "secret"
	}
	return &hashicorpResolver{mount: mount}
}

func (r *hashicorpResolver) init() (*vapi.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		var client, err = vapi.NewClient(vapi.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("building vault client: %w", err)
		}
		r.client = client
	}
	return r.client, nil
}

func (r *hashicorpResolver) resolve(ctx context.Context, name string) (Credentials, error) {
	var client, err = r.init()
	if err != nil {
		return nil, err
	}

	secret, err := client.KVv2(r.mount).Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("reading secret %s: %w", path.Join(r.mount, name), err)
	}

	var creds = make(Credentials, len(secret.Data))
	for field, value := range secret.Data {
		var s, ok = value.(string)
		if !ok {
			return nil, fmt.Errorf("secret %s field %q is not a string", name, field)
		}
		creds[field] = s
	}
	return creds, nil
}
