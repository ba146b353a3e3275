// Package payloadarchive implements cold payload storage on S3-compatible
// object stores. The reaper offloads raw payloads of archived records here
// before blanking them in the hot database.
package payloadarchive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hirewire/cvpipeline/config"
	"github.com/hirewire/cvpipeline/internal/core"
)

// s3API is the slice of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store is an object-storage payload archive.
type Store struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

var _ core.PayloadStore = (*Store)(nil)

// NewStore builds a payload archive from configuration. Static credentials
// and a custom endpoint are optional; without them the ambient AWS credential
// chain and the real S3 endpoint apply.
func NewStore(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// S3-compatible stores (minio and friends) route by path, not by
			// bucket subdomain.
			o.UsePathStyle = true
		}
	})

	if logger != nil {
		logger = logger.With("component", "payload_archive")
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// Put stores a payload under the given key, overwriting any previous object.
func (s *Store) Put(ctx context.Context, key string, payload []byte) error {
	if key == "" {
		return errors.New("archive key is required")
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive payload %s: %w", key, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "archived payload", "key", key, "bytes", len(payload))
	}
	return nil
}

// Get retrieves an archived payload.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("archive key is required")
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("get archived payload %s: %w", key, err)
	}
	defer func() {
		if closeErr := out.Body.Close(); closeErr != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "close archive body failed", "key", key, "error", closeErr)
		}
	}()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read archived payload %s: %w", key, err)
	}
	return payload, nil
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}
