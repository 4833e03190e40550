// Package archive mirrors exported images to S3.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/eunmann/imgsync/internal/logctx"
	"github.com/eunmann/imgsync/pkg/catalog"
)

// Location is an S3 bucket and key prefix.
type Location struct {
	Bucket string
	Prefix string
}

// ParseURL parses s3://bucket[/prefix].
func ParseURL(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("parse archive URL %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return Location{}, fmt.Errorf("archive URL %q: scheme must be s3", raw)
	}
	if u.Host == "" {
		return Location{}, errors.New("archive URL " + raw + ": missing bucket")
	}
	return Location{Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
}

// Key returns the object key an image with tag is stored under.
func (l Location) Key(tag string) string {
	if l.Prefix == "" {
		return tag + ".parquet"
	}
	return path.Join(l.Prefix, tag+".parquet")
}

func (l Location) String() string {
	if l.Prefix == "" {
		return "s3://" + l.Bucket
	}
	return "s3://" + l.Bucket + "/" + l.Prefix
}

// Uploader writes exports under a Location.
type Uploader struct {
	uploader *manager.Uploader
	loc      Location
}

// New creates an Uploader using the default AWS configuration.
func New(ctx context.Context, loc Location, optFns ...func(*s3.Options)) (*Uploader, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewWithConfig(cfg, loc, optFns...), nil
}

// NewWithConfig creates an Uploader with a custom AWS config.
func NewWithConfig(cfg aws.Config, loc Location, optFns ...func(*s3.Options)) *Uploader {
	client := s3.NewFromConfig(cfg, optFns...)
	return &Uploader{uploader: manager.NewUploader(client), loc: loc}
}

// Archive uploads body as the export of img and returns its s3:// URL.
func (u *Uploader) Archive(ctx context.Context, img catalog.Image, body io.ReadSeeker, size int64) (string, error) {
	key := u.loc.Key(img.Tag)
	_, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.loc.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/vnd.apache.parquet"),
		Metadata: map[string]string{
			"image-hash":    img.Hash,
			"image-created": img.Created.UTC().Format("2006-01-02T15:04:05Z"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", u.loc.Bucket, key, err)
	}

	dest := "s3://" + u.loc.Bucket + "/" + key
	log := logctx.FromContext(ctx)
	log.Debug().
		Str("dest", dest).
		Int64("bytes", size).
		Msg("archived export")
	return dest, nil
}
