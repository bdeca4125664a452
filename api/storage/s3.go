package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive stores collected run artifacts.
type Archive interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ArtifactKey is the object key for a run artifact.
func ArtifactKey(runID, name string) string {
	return path.Join("runs", runID, name)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
}

type Client struct {
	mc     *minio.Client
	config Config
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "skiff-artifacts"
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &Client{mc: mc, config: cfg}, nil
}

// EnsureBucket creates the artifact bucket if it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	name := c.config.Bucket
	exists, err := c.mc.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", name, err)
	}
	if exists {
		return nil
	}
	region := c.config.Region
	if region == "" {
		region = "us-east-1"
	}
	if err := c.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	log.Printf("s3: created bucket %s", name)
	return nil
}

func (c *Client) Put(ctx context.Context, key string, data []byte) error {
	_, err := c.mc.PutObject(ctx, c.config.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType(key)})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.config.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.mc.BucketExists(ctx, c.config.Bucket)
	return err
}

func (c *Client) Endpoint() string {
	return c.config.Endpoint
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Memory keeps artifacts in process. Used when no S3 endpoint is configured.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: not found", key)
	}
	return append([]byte(nil), data...), nil
}
