package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive stores rendered transcript images and hands out short-lived links.
type Archive interface {
	SaveRender(ctx context.Context, key string, png []byte) (string, error)
}

// MinioArchive implements Archive for MinIO/S3 compatible storage.
type MinioArchive struct {
	client  *minio.Client
	bucket  string
	linkTTL time.Duration
}

// NewMinioArchive connects to MinIO and ensures the bucket exists.
func NewMinioArchive(endpoint, accessKey, secretKey, bucket string, useSSL bool, linkTTL time.Duration) (*MinioArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	if linkTTL <= 0 {
		linkTTL = 24 * time.Hour
	}
	return &MinioArchive{client: client, bucket: bucket, linkTTL: linkTTL}, nil
}

// SaveRender uploads a PNG under key and returns a presigned GET URL.
func (m *MinioArchive) SaveRender(ctx context.Context, key string, png []byte) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(png), int64(len(png)),
		minio.PutObjectOptions{ContentType: "image/png"})
	if err != nil {
		return "", fmt.Errorf("put render: %w", err)
	}
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, m.linkTTL, nil)
	if err != nil {
		return "", fmt.Errorf("presign render: %w", err)
	}
	return url.String(), nil
}
