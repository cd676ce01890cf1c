package storage

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scratch"
	"github.com/spf13/afero"
)

// localCopier serves file:// buckets from the host filesystem.
// Evidence uploads are written back beside the bucket's own content,
// which doubles as the local adapter's idempotence: re-uploads overwrite.
type localCopier struct {
	fs afero.Afero
}

func newLocalCopier() *localCopier {
	return &localCopier{fs: afero.Afero{Fs: afero.NewOsFs()}}
}

func (c *localCopier) download(ctx context.Context, bucket *url.URL, ws *scratch.Workspace) error {
	var root = bucket.Path

	return c.fs.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := c.fs.ReadFile(p)
		if err != nil {
			return err
		}
		return ws.WriteFile(filepath.ToSlash(rel), data)
	})
}

func (c *localCopier) upload(ctx context.Context, bucket *url.URL, ws *scratch.Workspace) error {
	var evidence = ws.EvidenceDir()
	var wsFs = afero.Afero{Fs: ws.Fs()}

	return wsFs.Walk(evidence, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		var rel = strings.TrimPrefix(strings.TrimPrefix(p, evidence), "/")
		data, err := wsFs.ReadFile(p)
		if err != nil {
			return err
		}

		var dst = path.Join(bucket.Path, "evidence", rel)
		if err = c.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
			return err
		}
		return c.fs.WriteFile(dst, data, 0o644)
	})
}
