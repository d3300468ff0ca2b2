// Package storage keeps the original uploaded files in object storage so
// a document can be re-ingested after a pipeline change without asking
// the user to upload it again.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hsn0918/edakb/internal/config"
)

// Archive 保存上传文档的原始副本。
type Archive struct {
	client     *minio.Client
	bucketName string
}

func NewArchive(ctx context.Context, cfg config.MinIOConfig) (*Archive, error) {
	// 初始化 MinIO 客户端
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	// 检查 bucket 是否存在，不存在则创建
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Archive{
		client:     client,
		bucketName: cfg.Bucket,
	}, nil
}

// Put 存档一份上传的原始文档。
func (a *Archive) Put(ctx context.Context, filename string, reader io.Reader, size int64, contentType string) error {
	_, err := a.client.PutObject(ctx, a.bucketName, filename, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to archive document: %w", err)
	}
	return nil
}

// Get 读取存档文档，调用方负责 Close。
func (a *Archive) Get(ctx context.Context, filename string) (*minio.Object, error) {
	object, err := a.client.GetObject(ctx, a.bucketName, filename, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document: %w", err)
	}
	return object, nil
}

// Remove 删除存档文档，随知识库删除一并调用。
func (a *Archive) Remove(ctx context.Context, filename string) error {
	if err := a.client.RemoveObject(ctx, a.bucketName, filename, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Exists 检查文档是否已存档。
func (a *Archive) Exists(ctx context.Context, filename string) (bool, error) {
	_, err := a.client.StatObject(ctx, a.bucketName, filename, minio.StatObjectOptions{})
	if err != nil {
		// 对象不存在不是错误
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check document existence: %w", err)
	}
	return true, nil
}

// PresignedDownloadURL 生成限时下载链接。
func (a *Archive) PresignedDownloadURL(ctx context.Context, filename string, expires time.Duration) (string, error) {
	presignedURL, err := a.client.PresignedGetObject(ctx, a.bucketName, filename, expires, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned download URL: %w", err)
	}
	return presignedURL.String(), nil
}
