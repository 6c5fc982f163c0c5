package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// MinioStore keeps artifacts as objects in one bucket.
type MinioStore struct {
	client *miniogo.Client
	bucket string
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Write uploads data and returns an s3:// reference to the object.
func (s *MinioStore) Write(ctx context.Context, path string, data []byte) (string, error) {
	key := strings.TrimPrefix(path, "/")
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), miniogo.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Delete removes the object at path and every object under path/.
func (s *MinioStore) Delete(ctx context.Context, path string) error {
	key := strings.TrimPrefix(path, "/")
	prefix := strings.TrimSuffix(key, "/") + "/"

	objects := make(chan miniogo.ObjectInfo)
	go func() {
		defer close(objects)
		objects <- miniogo.ObjectInfo{Key: key}
		for obj := range s.client.ListObjects(ctx, s.bucket, miniogo.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				return
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	var errs []string
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, miniogo.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Sprintf("%s: %v", rerr.ObjectName, rerr.Err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove artifacts: %s", strings.Join(errs, "; "))
	}
	return nil
}
