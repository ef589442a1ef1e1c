package minio

import (
	"context"
	"os"
	"path/filepath"

	util_io "github.com/corvidae/magpie/pkg/util/io"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

const delimiter = "/"

type Config struct {
	Endpoint          string `yaml:"endpoint"`
	MinioRootUser     string `yaml:"minio_root_user"`
	MinioRootPassword string `yaml:"minio_root_password"`
	Secure            bool   `yaml:"secure"`
}

type Writer struct {
	client minio.Client
	bucket string
}

func NewWriter(cfg Config, bucket string) (*Writer, error) {
	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioRootUser, cfg.MinioRootPassword, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initialize minio client for writer")
	}

	found, err := minioClient.BucketExists(context.Background(), bucket)
	if err != nil {
		return nil, errors.Wrap(err, "check minio bucket exists")
	}

	if !found {
		if err := minioClient.MakeBucket(context.Background(), bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrap(err, "make minio bucket")
		}
	}

	return &Writer{
		client: *minioClient,
		bucket: bucket,
	}, nil
}

// Store uploads one downloaded document. The remote id is bucket/object so
// a record can be traced back to storage without knowing the config.
func (c *Writer) Store(ctx context.Context, localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrap(err, "open file for minio store")
	}
	defer file.Close()

	size, err := util_io.TryGetSize(file)
	if err != nil {
		return "", errors.Wrap(err, "store minio object")
	}

	objName := filepath.Base(localPath)
	_, err = c.client.PutObject(ctx, c.bucket, objName, file, size, minio.PutObjectOptions{
		ContentType: "application/pdf",
	})
	if err != nil {
		return "", errors.Wrap(err, "store minio object")
	}

	return c.bucket + delimiter + objName, nil
}
