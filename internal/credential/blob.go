package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/joshp123/ngenic-bridge/internal/config"
)

var ErrBlobNotFound = errors.New("credential blob not found")

// ObjectGetter is the slice of the minio client BlobSource needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error)
}

// BlobSource loads the token from an object in S3-compatible storage.
type BlobSource struct {
	read   func(ctx context.Context) ([]byte, error)
	bucket string
	key    string
}

func NewBlobSource(cfg config.BlobConfig) (*BlobSource, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	key := strings.TrimSpace(cfg.Key)
	if endpoint == "" || bucket == "" || cfg.AccessKeyFile == "" || cfg.SecretKeyFile == "" {
		return nil, fmt.Errorf("missing blob configuration")
	}
	if key == "" {
		key = config.DefaultBlobKey
	}

	accessKey, err := readSecretFile(cfg.AccessKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read blob access key: %w", err)
	}
	secretKey, err := readSecretFile(cfg.SecretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read blob secret key: %w", err)
	}

	host, secure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return newBlobSource(client, bucket, key), nil
}

func newBlobSource(client ObjectGetter, bucket, key string) *BlobSource {
	s := &BlobSource{bucket: bucket, key: key}
	s.read = func(ctx context.Context) ([]byte, error) {
		obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, wrapBlobError(err)
		}
		defer obj.Close()

		if _, err := obj.Stat(); err != nil {
			return nil, wrapBlobError(err)
		}
		return io.ReadAll(obj)
	}
	return s
}

func (s *BlobSource) Load(ctx context.Context) (Credential, error) {
	data, err := s.read(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("load s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return New(string(data))
}

func wrapBlobError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" {
		return ErrBlobNotFound
	}
	return err
}

func parseEndpoint(raw string) (string, bool, error) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("parse endpoint: %w", err)
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint: %q", raw)
		}
		return u.Host, u.Scheme == "https", nil
	}
	return raw, true, nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
