// Package storage writes report artifacts to the local filesystem, S3 (or
// MinIO) or Azure Blob Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/querybench/internal/config"
)

// ErrNotFound is returned by Read for a missing object.
var ErrNotFound = errors.New("object not found")

// Backend is an object store keyed by slash-separated paths.
type Backend interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	// List returns every object path under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete is a no-op for a missing object.
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Close() error

	// Type is "local", "s3" or "azure".
	Type() string
	// Location renders a path as a URI for logs and reports.
	Location(path string) string
}

// ContentType guesses a MIME type from the object name.
func ContentType(p string) string {
	name := strings.ToLower(path.Base(p))
	switch {
	case strings.HasSuffix(name, ".json.gz"), strings.HasSuffix(name, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".arrow"):
		return "application/vnd.apache.arrow.stream"
	case strings.HasSuffix(name, ".txt"):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// FromConfig builds the configured backend.
func FromConfig(cfg config.StorageConfig, logger zerolog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalBackend(cfg.LocalPath, logger)
	case "s3", "minio":
		return NewS3Backend(&S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		}, logger)
	case "azure", "azblob":
		return NewAzureBlobBackend(&AzureBlobConfig{
			ConnectionString:   cfg.AzureConnectionString,
			AccountName:        cfg.AzureAccountName,
			AccountKey:         cfg.AzureAccountKey,
			SASToken:           cfg.AzureSASToken,
			UseManagedIdentity: cfg.AzureUseManagedIdentity,
			ContainerName:      cfg.AzureContainer,
			Endpoint:           cfg.AzureEndpoint,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
