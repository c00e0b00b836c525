package exportpack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// Storage persists archive bytes under relative pointers.
type Storage interface {
	Write(ctx context.Context, pointer string, data []byte) error
	Read(ctx context.Context, pointer string) ([]byte, error)
}

// ValidatePointer rejects pointers that are absolute, contain traversal
// segments, drive letters or backslashes. Pointers are always forward-slash
// relative paths.
func ValidatePointer(pointer string) error {
	if pointer == "" {
		return contracts.NewError(contracts.KindValidation, "empty storage pointer")
	}
	if strings.HasPrefix(pointer, "/") || strings.Contains(pointer, "\\") || strings.Contains(pointer, ":") {
		return contracts.NewError(contracts.KindValidation, "storage pointer %q must be a relative forward-slash path", pointer)
	}
	for _, seg := range strings.Split(pointer, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return contracts.NewError(contracts.KindValidation, "storage pointer %q contains a traversal segment", pointer)
		}
	}
	return nil
}

// FSStorage writes archives under a local root directory.
type FSStorage struct {
	root string
}

// NewFSStorage creates a filesystem backend rooted at dir.
func NewFSStorage(dir string) *FSStorage {
	return &FSStorage{root: dir}
}

func (f *FSStorage) Write(ctx context.Context, pointer string, data []byte) error {
	if err := ValidatePointer(pointer); err != nil {
		return err
	}
	full := filepath.Join(f.root, filepath.FromSlash(pointer))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create pack directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write pack: %w", err)
	}
	return nil
}

func (f *FSStorage) Read(ctx context.Context, pointer string) ([]byte, error) {
	if err := ValidatePointer(pointer); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(pointer)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, contracts.NewError(contracts.KindNotFound, "pack bytes missing at %s", pointer)
		}
		return nil, fmt.Errorf("read pack: %w", err)
	}
	return data, nil
}

// S3Storage mirrors archives into an S3 bucket under the same pointers.
type S3Storage struct {
	client *s3.Client
	bucket string
}

// NewS3Storage wraps an existing S3 client.
func NewS3Storage(client *s3.Client, bucket string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket}
}

// NewS3StorageFromEnv builds the client from the ambient AWS configuration.
func NewS3StorageFromEnv(ctx context.Context, bucket string) (*S3Storage, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Storage(s3.NewFromConfig(cfg), bucket), nil
}

func (m *S3Storage) Write(ctx context.Context, pointer string, data []byte) error {
	if err := ValidatePointer(pointer); err != nil {
		return err
	}
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(pointer),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("mirror pack to s3: %w", err)
	}
	return nil
}

func (m *S3Storage) Read(ctx context.Context, pointer string) ([]byte, error) {
	if err := ValidatePointer(pointer); err != nil {
		return nil, err
	}
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(pointer),
	})
	if err != nil {
		return nil, fmt.Errorf("read pack from s3: %w", err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// MirroredStorage writes through to a primary and a mirror; reads always come
// from the primary, which holds the canonical bytes the registry hash refers
// to.
type MirroredStorage struct {
	Primary Storage
	Mirror  Storage
}

func (m *MirroredStorage) Write(ctx context.Context, pointer string, data []byte) error {
	if err := m.Primary.Write(ctx, pointer, data); err != nil {
		return err
	}
	return m.Mirror.Write(ctx, pointer, data)
}

func (m *MirroredStorage) Read(ctx context.Context, pointer string) ([]byte, error) {
	return m.Primary.Read(ctx, pointer)
}
