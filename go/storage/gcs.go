package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scratch"
	"github.com/spf13/afero"
	"google.golang.org/api/iterator"
)

// gcsCopier serves gs:// buckets. The client is initialized on first use.
type gcsCopier struct {
	mu     sync.Mutex
	client *gcs.Client
}

func newGCSCopier() *gcsCopier { return &gcsCopier{} }

func (c *gcsCopier) init(ctx context.Context) (*gcs.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		var client, err = gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("building google storage client: %w", err)
		}
		c.client = client
	}
	return c.client, nil
}

func (c *gcsCopier) download(ctx context.Context, bucket *url.URL, ws *scratch.Workspace) error {
	var client, err = c.init(ctx)
	if err != nil {
		return err
	}
	var container, prefix = bucketPath(bucket)
	if prefix != "" {
		prefix += "/"
	}

	var it = client.Bucket(container).Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		var attrs, err = it.Next()
		if err == iterator.Done {
			return nil
		} else if err != nil {
			return fmt.Errorf("listing objects of gs://%s/%s: %w", container, prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue // Directory placeholder.
		}

		r, err := client.Bucket(container).Object(attrs.Name).NewReader(ctx)
		if err != nil {
			return fmt.Errorf("opening object %s: %w", attrs.Name, err)
		}
		data, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			return fmt.Errorf("reading object %s: %w", attrs.Name, err)
		}

		if err = ws.WriteFile(strings.TrimPrefix(attrs.Name, prefix), data); err != nil {
			return err
		}
	}
}

func (c *gcsCopier) upload(ctx context.Context, bucket *url.URL, ws *scratch.Workspace) error {
	var client, err = c.init(ctx)
	if err != nil {
		return err
	}
	var container, prefix = bucketPath(bucket)
	var evidence = ws.EvidenceDir()
	var wsFs = afero.Afero{Fs: ws.Fs()}

	return wsFs.Walk(evidence, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		var rel = strings.TrimPrefix(strings.TrimPrefix(p, evidence), "/")
		data, err := wsFs.ReadFile(p)
		if err != nil {
			return err
		}

		var key = path.Join(prefix, "evidence", rel)
		var w = client.Bucket(container).Object(key).NewWriter(ctx)
		if _, err = w.Write(data); err != nil {
			_ = w.Close()
			return fmt.Errorf("writing object %s: %w", key, err)
		}
		if err = w.Close(); err != nil {
			return fmt.Errorf("closing object %s: %w", key, err)
		}
		return nil
	})
}
