/*
Package storage handles image blobs on S3-compatible object storage.

The upload boundary accepts a binary payload plus an already-sanitized key
and returns a publicly dereferenceable URL.
*/
package storage

import (
	"context"
	"io"
)

// ServiceConfig holds the configuration required to reach the object store.
type ServiceConfig struct {
	BucketName      string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Service is the public interface of the file storage service.
type Service interface {
	// Upload stores the blob under key with the given MIME type and returns
	// its public URL.
	Upload(ctx context.Context, key string, mimeType string, body io.Reader) (string, error)
}

// NewService initializes a concrete Service for the given configuration.
// Only S3-compatible backends are supported.
func NewService(cfg ServiceConfig) (Service, error) {
	return newS3Client(cfg)
}
