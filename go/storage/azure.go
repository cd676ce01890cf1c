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

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scratch"
	"github.com/spf13/afero"
)

// azureCopier serves azure:// buckets, where the URL host is the blob
// container. The client authenticates from AZURE_STORAGE_CONNECTION_STRING.
type azureCopier struct {
	mu     sync.Mutex
	client *azblob.Client
}

func newAzureCopier() *azureCopier { return &azureCopier{} }

func (c *azureCopier) init() (*azblob.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		var conn = os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
		if conn == "" {
			return nil, fmt.Errorf("AZURE_STORAGE_CONNECTION_STRING is not set")
		}
		var client, err = azblob.NewClientFromConnectionString(conn, nil)
		if err != nil {
			return nil, fmt.Errorf("building azure blob client: %w", err)
		}
		c.client = client
	}
	return c.client, nil
}

func (c *azureCopier) download(ctx context.Context, bucket *url.URL, ws *scratch.Workspace) error {
	var client, err = c.init()
	if err != nil {
		return err
	}
	var container, prefix = bucketPath(bucket)
	if prefix != "" {
		prefix += "/"
	}

	var pager = client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	for pager.More() {
		var page, err = pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing blobs of %s/%s: %w", container, prefix, err)
		}

		for _, item := range page.Segment.BlobItems {
			var name = *item.Name
			if strings.HasSuffix(name, "/") {
				continue
			}

			resp, err := client.DownloadStream(ctx, container, name, nil)
			if err != nil {
				return fmt.Errorf("downloading blob %s: %w", name, err)
			}
			data, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				return fmt.Errorf("reading blob %s: %w", name, err)
			}

			if err = ws.WriteFile(strings.TrimPrefix(name, prefix), data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *azureCopier) upload(ctx context.Context, bucket *url.URL, ws *scratch.Workspace) error {
	var client, err = c.init()
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
		if _, err = client.UploadBuffer(ctx, container, key, data, nil); err != nil {
			return fmt.Errorf("uploading blob %s: %w", key, err)
		}
		return nil
	})
}
