package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/scratch"
	"github.com/spf13/afero"
)

// s3Copier serves s3:// buckets using the ambient AWS configuration.
type s3Copier struct {
	mu     sync.Mutex
	client *s3.Client
}

func newS3Copier() *s3Copier { return &s3Copier{} }

func (c *s3Copier) init(ctx context.Context) (*s3.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		var cfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading aws configuration: %w", err)
		}
		c.client = s3.NewFromConfig(cfg)
	}
	return c.client, nil
}

func (c *s3Copier) download(ctx context.Context, bucket *url.URL, ws *scratch.Workspace) error {
	var client, err = c.init(ctx)
	if err != nil {
		return err
	}
	var container, prefix = bucketPath(bucket)
	if prefix != "" {
		prefix += "/"
	}

	var paginator = s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(container),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		var page, err = paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing objects of s3://%s/%s: %w", container, prefix, err)
		}

		for _, obj := range page.Contents {
			var key = aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}

			out, err := client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(container),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("getting object %s: %w", key, err)
			}
			data, err := io.ReadAll(out.Body)
			_ = out.Body.Close()
			if err != nil {
				return fmt.Errorf("reading object %s: %w", key, err)
			}

			if err = ws.WriteFile(strings.TrimPrefix(key, prefix), data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *s3Copier) upload(ctx context.Context, bucket *url.URL, ws *scratch.Workspace) error {
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
		if _, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(container),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		}); err != nil {
			return fmt.Errorf("putting object %s: %w", key, err)
		}
		return nil
	})
}
