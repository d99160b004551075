// Package storage MinIO 对象存储封装。
//
// 原始文件与解析出的图片都落在同一个桶里：
// 文件按 rag/{notebook_id}/{document_id}/{filename} 存放，
// 图片按 rag/images/{notebook_id}/{document_id}/{内容哈希}.png 存放，
// 对外只暴露预签名 URL。
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/BaSui01/knowbase/config"
	"github.com/BaSui01/knowbase/types"
)

const (
	documentPrefix = "rag"
	imagePrefix    = "rag/images"
)

// DocumentObjectPath 原始文件的对象路径
func DocumentObjectPath(notebookID, documentID, filename string) string {
	return fmt.Sprintf("%s/%s/%s/%s", documentPrefix, notebookID, documentID, sanitizeFilename(filename))
}

// ImageContentKey 图片内容指纹，同时是对象文件名的主干。
// 同一张图不论解析多少次都落到同一个对象上。
func ImageContentKey(img []byte) string {
	sum := sha256.Sum256(img)
	return hex.EncodeToString(sum[:16])
}

// ImageObjectPath 解析图片的对象路径（文件名取内容哈希）
func ImageObjectPath(notebookID, documentID string, img []byte) string {
	return fmt.Sprintf("%s/%s/%s/%s.png", imagePrefix, notebookID, documentID, ImageContentKey(img))
}

// sanitizeFilename 去掉路径分隔符，防止对象名穿越
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" {
		name = "file"
	}
	return name
}

// Client MinIO 客户端
type Client struct {
	cfg    config.StorageConfig
	mc     *minio.Client
	logger *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewClient 创建对象存储客户端
func NewClient(cfg config.StorageConfig, logger *zap.Logger) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Client{
		cfg:    cfg,
		mc:     mc,
		logger: logger.With(zap.String("component", "object_storage")),
	}, nil
}

// ensureBucket 桶不存在时创建（进程内只检查一次）
func (c *Client) ensureBucket(ctx context.Context) error {
	c.ensureOnce.Do(func() {
		exists, err := c.mc.BucketExists(ctx, c.cfg.Bucket)
		if err != nil {
			c.ensureErr = fmt.Errorf("check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := c.mc.MakeBucket(ctx, c.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			c.ensureErr = fmt.Errorf("create bucket: %w", err)
			return
		}
		c.logger.Info("bucket created", zap.String("bucket", c.cfg.Bucket))
	})
	return c.ensureErr
}

// Upload 上传对象
func (c *Client) Upload(ctx context.Context, objectName string, data []byte, contentType string) error {
	if err := c.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := c.mc.PutObject(ctx, c.cfg.Bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return types.NewError(types.ErrStorageError, "upload object failed").WithCause(err).WithRetryable(true)
	}
	return nil
}

// Download 下载对象全部内容
func (c *Client) Download(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.cfg.Bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, types.NewError(types.ErrStorageError, "get object failed").WithCause(err).WithRetryable(true)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, types.NewError(types.ErrStorageError, "read object failed").WithCause(err).WithRetryable(true)
	}
	return data, nil
}

// PresignedURL 生成预签名下载地址
func (c *Client) PresignedURL(ctx context.Context, objectName string) (string, error) {
	expiry := c.cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	u, err := c.mc.PresignedGetObject(ctx, c.cfg.Bucket, objectName, expiry, url.Values{})
	if err != nil {
		return "", types.NewError(types.ErrStorageError, "presign object failed").WithCause(err)
	}
	return u.String(), nil
}

// Delete 删除对象
func (c *Client) Delete(ctx context.Context, objectName string) error {
	return c.mc.RemoveObject(ctx, c.cfg.Bucket, objectName, minio.RemoveObjectOptions{})
}

// UploadImage 上传解析图片并返回预签名 URL
func (c *Client) UploadImage(ctx context.Context, notebookID, documentID string, img []byte) (string, error) {
	objectName := ImageObjectPath(notebookID, documentID, img)
	if err := c.Upload(ctx, objectName, img, "image/png"); err != nil {
		return "", err
	}
	return c.PresignedURL(ctx, objectName)
}
