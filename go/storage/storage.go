// Package storage fetches test buckets into scratch workspaces and uploads
// evidence trees back. Buckets are opaque URIs whose scheme selects the
// adapter: file://, gs://, s3://, or azure://.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scratch"
	log "github.com/sirupsen/logrus"
)

// Store is the storage port of the probe.
type Store interface {
	// Fetch downloads the bucket into a fresh Workspace for |testID|.
	// On any failure, including workspace validation, no workspace remains.
	Fetch(ctx context.Context, testID uuid.UUID, bucket string) (*scratch.Workspace, error)
	// Upload copies the workspace's evidence tree back to the bucket.
	// Upload is idempotent across retries.
	Upload(ctx context.Context, testID uuid.UUID, bucket string, ws *scratch.Workspace) error
}

// bucketCopier is the adapter-specific half of a Store: it moves raw files
// between a bucket URI and a workspace, with no knowledge of layout rules.
type bucketCopier interface {
	// download every object under |bucket| into |ws|, preserving relative paths.
	download(ctx context.Context, bucket *url.URL, ws *scratch.Workspace) error
	// upload every file under the workspace's evidence directory to
	// |bucket| beneath an evidence/ prefix.
	upload(ctx context.Context, bucket *url.URL, ws *scratch.Workspace) error
}

// store implements Store over a scratch Manager and per-scheme copiers.
type store struct {
	manager *scratch.Manager
	copiers map[string]bucketCopier
}

// Config of the storage Store.
type Config struct {
	// Provider restricts the accepted bucket scheme ("local", "gcs", "s3",
	// "azure"). Empty accepts any configured scheme.
	Provider string
}

// NewStore builds the Store for |cfg| over |manager|.
func NewStore(cfg Config, manager *scratch.Manager) (Store, error) {
	var copiers = map[string]bucketCopier{
		"file":  newLocalCopier(),
		"gs":    newGCSCopier(),
		"s3":    newS3Copier(),
		"azure": newAzureCopier(),
	}

	switch cfg.Provider {
	case "", "all":
		// Accept any scheme.
	case "local":
		copiers = map[string]bucketCopier{"file": newLocalCopier()}
	case "gcs":
		copiers = map[string]bucketCopier{"gs": newGCSCopier()}
	case "s3":
		copiers = map[string]bucketCopier{"s3": newS3Copier()}
	case "azure":
		copiers = map[string]bucketCopier{"azure": newAzureCopier()}
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}

	return &store{manager: manager, copiers: copiers}, nil
}

func (s *store) copier(bucket string) (*url.URL, bucketCopier, error) {
	var u, err = url.Parse(bucket)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing bucket URI %q: %w", bucket, err)
	}
	var c, ok = s.copiers[u.Scheme]
	if !ok {
		return nil, nil, fmt.Errorf("bucket %q has unsupported scheme %q", bucket, u.Scheme)
	}
	return u, c, nil
}

func (s *store) Fetch(ctx context.Context, testID uuid.UUID, bucket string) (*scratch.Workspace, error) {
	var u, copier, err = s.copier(bucket)
	if err != nil {
		return nil, err
	}

	ws, err := s.manager.Create(testID)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	if err = copier.download(ctx, u, ws); err == nil {
		err = ws.Validate()
	}
	if err != nil {
		// No workspace root may remain after a failed fetch.
		if rmErr := ws.Remove(); rmErr != nil {
			log.WithFields(log.Fields{
				"testId": testID,
				"err":    rmErr,
			}).Error("failed to remove workspace of failed fetch")
		}
		return nil, fmt.Errorf("fetching bucket %s: %w", bucket, err)
	}

	log.WithFields(log.Fields{
		"testId": testID,
		"bucket": bucket,
		"root":   ws.Root(),
	}).Debug("fetched bucket into workspace")

	return ws, nil
}

func (s *store) Upload(ctx context.Context, testID uuid.UUID, bucket string, ws *scratch.Workspace) error {
	var u, copier, err = s.copier(bucket)
	if err != nil {
		return err
	}

	if err = copier.upload(ctx, u, ws); err != nil {
		return fmt.Errorf("uploading evidence to %s: %w", bucket, err)
	}

	log.WithFields(log.Fields{
		"testId": testID,
		"bucket": bucket,
	}).Debug("uploaded evidence")

	return nil
}

// bucketPath splits a bucket URL into its container and key prefix.
func bucketPath(u *url.URL) (container, prefix string) {
	return u.Host, strings.Trim(u.Path, "/")
}
