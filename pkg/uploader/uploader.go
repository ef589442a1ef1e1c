package uploader

import (
	"context"
	"flag"

	"github.com/corvidae/magpie/pkg/uploader/minio"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

type Config struct {
	Store  string       `yaml:"store"`
	Bucket string       `yaml:"bucket"`
	Minio  minio.Config `yaml:"minio"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Store, flagPrefix+"store", "", `Remote storage for completed downloads. Empty disables uploads.`)
	f.StringVar(&c.Bucket, flagPrefix+"bucket", "magpie", `Bucket for uploaded documents.`)
}

// Uploader archives one local file and returns its remote id.
type Uploader interface {
	Store(ctx context.Context, localPath string) (string, error)
}

// UploadError wraps upload failures. It is non-fatal to a batch: the row
// keeps its download status and the upload is retried on a later run.
type UploadError struct {
	cause error
}

func (e *UploadError) Error() string { return "upload: " + e.cause.Error() }
func (e *UploadError) Unwrap() error { return e.cause }

// NewUploader returns nil without error when no store is configured; the
// upload pass is optional.
func NewUploader(cfg Config, log log.Logger) (Uploader, error) {
	switch cfg.Store {
	case "":
		return nil, nil
	case "minio":
		w, err := minio.NewWriter(cfg.Minio, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		return &faultWrapper{inner: w}, nil
	default:
		return nil, errors.New("invalid uploader store in config")
	}
}

// faultWrapper turns backend failures into UploadError so callers can treat
// every upload problem uniformly.
type faultWrapper struct {
	inner Uploader
}

func (w *faultWrapper) Store(ctx context.Context, localPath string) (string, error) {
	remoteID, err := w.inner.Store(ctx, localPath)
	if err != nil {
		return "", &UploadError{cause: err}
	}
	return remoteID, nil
}
