// Package logarchive uploads per-job logfiles to an S3-compatible bucket once
// the poller is done with a job.
package logarchive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kiranshivaraju/kueuexec/internal/config"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned by Fetch for a key that was never archived.
var ErrNotFound = errors.New("archived log not found")

// Archive stores logfiles under Key(step, external name).
type Archive struct {
	client *minio.Client
	bucket string
	region string

	initOnce sync.Once
	initErr  error
}

// New builds an Archive from cfg. It does not contact the endpoint.
func New(cfg config.LogArchiveConfig) (*Archive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("log archive endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("log archive access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("log archive bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init log archive client: %w", err)
	}

	return &Archive{client: client, bucket: bucket, region: region}, nil
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	a.initOnce.Do(func() {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			a.initErr = err
			return
		}
		if exists {
			return
		}
		a.initErr = a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region})
	})
	return a.initErr
}

// Archive uploads job.Logfile. A job whose logfile was never written is skipped.
func (a *Archive) Archive(ctx context.Context, job *models.SubmittedJob) error {
	if job.Logfile == "" {
		return nil
	}
	if _, err := os.Stat(job.Logfile); errors.Is(err, fs.ErrNotExist) {
		slog.Debug("no logfile to archive", "job", job.ExternalName, "logfile", job.Logfile)
		return nil
	}

	if err := a.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	key := ObjectKey(job)
	info, err := a.client.FPutObject(ctx, a.bucket, key, job.Logfile, minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	slog.Info("logfile archived",
		"job", job.ExternalName,
		"bucket", a.bucket,
		"key", key,
		"size", info.Size,
	)
	return nil
}

// Fetch returns the archived logfile stored under key.
func (a *Archive) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// ObjectKey returns the bucket key for job's logfile.
func ObjectKey(job *models.SubmittedJob) string {
	name := job.ExternalName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(job.Logfile), filepath.Ext(job.Logfile))
	}
	return Key(job.Request.Name, name)
}

// Key is the bucket key of a step run's logfile.
func Key(step, externalName string) string {
	return step + "/" + externalName + ".log"
}
