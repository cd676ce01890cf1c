package vault

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// localResolver serves secrets from a yaml file mapping secret names to
// field maps. Intended for local development and tests.
type localResolver struct {
	path string

	mu      sync.Mutex
	secrets map[string]Credentials
}

func newLocalResolver(path string) *localResolver {
	return &localResolver{path: path}
}

func (r *localResolver) load() (map[string]Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.secrets != nil {
		return r.secrets, nil
	}
	if r.path == "" {
		return nil, fmt.Errorf("local vault has no credentials file configured")
	}

	var data, err = os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("reading local credentials file: %w", err)
	}

	var secrets map[string]Credentials
	if err = yaml.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing local credentials file: %w", err)
	}
	r.secrets = secrets
	return secrets, nil
}

func (r *localResolver) resolve(_ context.Context, name string) (Credentials, error) {
	var secrets, err = r.load()
	if err != nil {
		return nil, err
	}
	var creds, ok = secrets[name]
	if !ok {
		return nil, fmt.Errorf("secret %s not found", name)
	}
	return creds, nil
}
