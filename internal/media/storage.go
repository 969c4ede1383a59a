// Package media stores uploaded images in S3 compatible object storage so
// image content can point at them.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"fieldhouse/api/internal/util"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const MaxUploadBytes = 10 << 20

var (
	ErrNotConfigured   = errors.New("media storage is not configured")
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrTooLarge        = errors.New("image exceeds upload limit")
	ErrEmptyUpload     = errors.New("upload is empty")
)

// sniffLen is how much of the body http.DetectContentType looks at.
const sniffLen = 512

// Only raster formats are accepted. SVG can carry script and is served from
// the public bucket as is.
var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
}

// objectPutter is the subset of *minio.Client used for uploads.
type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Storage struct {
	client  objectPutter
	bucket  string
	baseURL string
	now     func() time.Time
	log     *zap.Logger
}

type Upload struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// NewStorage connects to the object store and makes sure the bucket exists.
func NewStorage(ctx context.Context, cfg Config, logger *zap.Logger) (*Storage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("media client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("media bucket created", zap.String("bucket", cfg.Bucket))
	}

	return newStorage(client, cfg, logger), nil
}

func newStorage(client objectPutter, cfg Config, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: publicBaseURL(cfg),
		now:     time.Now,
		log:     logger.Named("media"),
	}
}

// publicBaseURL is where uploaded objects are served from. Without an explicit
// CDN base the bucket is addressed path-style on the endpoint.
func publicBaseURL(cfg Config) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: cfg.Endpoint, Path: "/" + cfg.Bucket}).String()
}

// Upload stores an image and returns the public URL image content should use.
func (s *Storage) Upload(ctx context.Context, contentType string, size int64, body io.Reader) (Upload, error) {
	contentType = normalizeContentType(contentType)
	ext, ok := extensions[contentType]
	if !ok {
		return Upload{}, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	if size == 0 {
		return Upload{}, ErrEmptyUpload
	}
	if size > MaxUploadBytes {
		return Upload{}, ErrTooLarge
	}

	body, err := sniff(contentType, body)
	if err != nil {
		return Upload{}, err
	}

	key := s.objectKey(ext)
	info, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return Upload{}, fmt.Errorf("put object %s: %w", key, err)
	}
	s.log.Info("image uploaded", zap.String("key", key), zap.Int64("size", info.Size))
	return Upload{Key: key, URL: s.baseURL + "/" + key, ContentType: contentType, Size: info.Size}, nil
}

// sniff checks that the bytes are the image type the client declared and
// returns a reader that still yields the whole body.
func sniff(declared string, body io.Reader) (io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, ErrEmptyUpload
	}
	detected := normalizeContentType(http.DetectContentType(head))
	if detected != declared {
		return nil, fmt.Errorf("%w: declared %s but content is %s", ErrUnsupportedType, declared, detected)
	}
	return io.MultiReader(bytes.NewReader(head), body), nil
}

func (s *Storage) objectKey(ext string) string {
	now := s.now().UTC()
	return path.Join("uploads", now.Format("2006"), now.Format("01"), util.NewID("")+ext)
}

func normalizeContentType(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "image/jpg" {
		return "image/jpeg"
	}
	return contentType
}
