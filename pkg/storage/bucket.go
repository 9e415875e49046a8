package storage

import (
	"context"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JRascall/MediaServer/pkg/config"
)

// Uploader stores a local file under key.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) error
}

var contentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".mpd":  "application/dash+xml",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
}

// ContentType picks the MIME type of a transmuxed file by extension.
func ContentType(key string) string {
	if ct, ok := contentTypes[filepath.Ext(key)]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Bucket is an S3 compatible bucket holding transmuxed segments.
type Bucket struct {
	client *minio.Client
	name   string
	log    logrus.FieldLogger
}

func NewBucket(cfg config.StorageConfig, log logrus.FieldLogger) (*Bucket, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create s3 client")
	}
	b := &Bucket{
		client: client,
		name:   cfg.Bucket,
		log:    log.WithFields(logrus.Fields{"component": "storage", "bucket": cfg.Bucket}),
	}
	b.log.Infof("instance running - %s", cfg.Endpoint)
	return b, nil
}

// Ensure creates the bucket if needed and expires abandoned stream
// objects after a day.
func (b *Bucket) Ensure(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.name)
	if err != nil {
		return errors.Wrap(err, "check bucket")
	}
	if !exists {
		if err := b.client.MakeBucket(ctx, b.name, minio.MakeBucketOptions{}); err != nil {
			return errors.Wrap(err, "make bucket")
		}
	}
	rules := lifecycle.NewConfiguration()
	rules.Rules = []lifecycle.Rule{{
		ID:         "delete-abandoned-streams",
		Status:     "Enabled",
		Expiration: lifecycle.Expiration{Days: 1},
	}}
	if err := b.client.SetBucketLifecycle(ctx, b.name, rules); err != nil {
		// not every S3 implementation supports lifecycle rules
		b.log.WithError(err).Warn("lifecycle not configured")
	}
	return nil
}

func (b *Bucket) Upload(ctx context.Context, key, localPath string) error {
	_, err := b.client.FPutObject(ctx, b.name, key, localPath, minio.PutObjectOptions{
		ContentType: ContentType(key),
	})
	if err != nil {
		b.log.WithError(err).Errorf("error uploading - %s", key)
		return errors.Wrapf(err, "upload %s", key)
	}
	b.log.Debugf("uploaded - %s", key)
	return nil
}

// Empty deletes every object under prefix.
func (b *Bucket) Empty(ctx context.Context, prefix string) error {
	objects := b.client.ListObjects(ctx, b.name, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	var firstErr error
	for rerr := range b.client.RemoveObjects(ctx, b.name, objects, minio.RemoveObjectsOptions{}) {
		if firstErr == nil {
			firstErr = errors.Wrapf(rerr.Err, "remove %s", rerr.ObjectName)
		}
	}
	if firstErr != nil {
		return firstErr
	}
	b.log.WithField("prefix", prefix).Info("emptied")
	return nil
}

// AbortUploads drops multipart uploads left behind by a previous run.
func (b *Bucket) AbortUploads(ctx context.Context) error {
	aborted := 0
	for upload := range b.client.ListIncompleteUploads(ctx, b.name, "", true) {
		if upload.Err != nil {
			return errors.Wrap(upload.Err, "list incomplete uploads")
		}
		if err := b.client.RemoveIncompleteUpload(ctx, b.name, upload.Key); err != nil {
			return errors.Wrapf(err, "abort upload %s", upload.Key)
		}
		aborted++
	}
	if aborted > 0 {
		b.log.Infof("aborted %d uploads", aborted)
	}
	return nil
}
