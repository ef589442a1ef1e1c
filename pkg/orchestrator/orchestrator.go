package orchestrator

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/corvidae/magpie/pkg/fetcher"
	"github.com/corvidae/magpie/pkg/source"
	"github.com/corvidae/magpie/pkg/statusstore"
	"github.com/corvidae/magpie/pkg/statusstore/record"
	util_io "github.com/corvidae/magpie/pkg/util/io"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	"go.uber.org/atomic"
)

type Config struct {
	DownloadDir string `yaml:"download_dir"`
	FileSuffix  string `yaml:"file_suffix"`

	// MaxDownloads caps fetch invocations per run (0 = unlimited). Rows past
	// the cap keep their PENDING records for the next run.
	MaxDownloads int `yaml:"max_downloads"`

	// RetryCeiling is the row-level attempts budget across a run.
	RetryCeiling int `yaml:"retry_ceiling"`

	// RetryFailed resets FAILED records to PENDING before processing.
	RetryFailed bool `yaml:"retry_failed"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.DownloadDir, flagPrefix+"download-dir", "", `Directory for downloaded documents.`)
	f.StringVar(&c.FileSuffix, flagPrefix+"file-suffix", ".pdf", `Suffix for downloaded file names.`)
	f.IntVar(&c.MaxDownloads, flagPrefix+"max-downloads", 0, `Max fetch invocations per run, 0 for unlimited.`)
	f.IntVar(&c.RetryCeiling, flagPrefix+"retry-ceiling", 3, `Row attempts budget per run.`)
	f.BoolVar(&c.RetryFailed, flagPrefix+"retry-failed", false, `Re-attempt rows that previously ended FAILED.`)
}

// Fetcher performs one retrying HTTP retrieval. Satisfied by fetcher.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) fetcher.Result
}

// Uploader archives a downloaded file to remote storage.
type Uploader interface {
	Store(ctx context.Context, localPath string) (string, error)
}

// Orchestrator drives the batch: it walks rows in source order, consults the
// status store, invokes the fetcher and owns every store mutation. The
// fetcher never touches the store.
type Orchestrator struct {
	cfg   Config
	store statusstore.Store
	fetch Fetcher
	// nil when no upload sink is configured
	uploader Uploader
	log      gklog.Logger

	bytesDownloaded *atomic.Int64

	rowsProcessed *prometheus.CounterVec
	bytesTotal    prometheus.Counter
	uploadsTotal  *prometheus.CounterVec
}

func New(cfg Config, store statusstore.Store, fetch Fetcher, uploader Uploader, reg prometheus.Registerer, log gklog.Logger) *Orchestrator {
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 3
	}
	if cfg.FileSuffix == "" {
		cfg.FileSuffix = ".pdf"
	}

	reg = prometheus.WrapRegistererWithPrefix("magpie_", reg)

	return &Orchestrator{
		cfg:             cfg,
		store:           store,
		fetch:           fetch,
		uploader:        uploader,
		log:             log,
		bytesDownloaded: atomic.NewInt64(0),
		rowsProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "rows_processed_total",
			Help: "Rows processed per run, by terminal outcome.",
		}, []string{"outcome"}),
		bytesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "downloaded_bytes_total",
			Help: "Bytes written by completed downloads.",
		}),
		uploadsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uploads_total",
			Help: "Upload attempts, by outcome.",
		}, []string{"outcome"}),
	}
}

// Run processes every row once and then uploads what is eligible. It returns
// an error only when the store can no longer persist; per-row failures are
// recorded, not raised.
func (o *Orchestrator) Run(ctx context.Context, rows []source.Row) error {
	if err := os.MkdirAll(o.cfg.DownloadDir, 0o755); err != nil {
		return errors.Wrap(err, "orchestrator create download dir")
	}

	recs, err := o.store.Load(ctx)
	if err != nil {
		if !statusstore.IsCorrupt(err) {
			return errors.Wrap(err, "orchestrator load status store")
		}
		// The downloaded files are still on disk and skip checks go by the
		// file system, so an empty view only costs re-verification.
		level.Warn(o.log).Log("msg", "status store unreadable, continuing from empty state", "err", err)
		recs = make(map[string]*record.Record)
	}

	downloadsStarted := 0

	for _, row := range rows {
		if ctx.Err() != nil {
			level.Warn(o.log).Log("msg", "run interrupted, remaining rows left for the next run", "err", ctx.Err())
			break
		}

		rec, err := o.processRow(ctx, row, recs[row.ID], &downloadsStarted)
		if err != nil {
			return err
		}
		recs[row.ID] = rec
	}

	if o.uploader != nil {
		if err := o.uploadCompleted(ctx); err != nil {
			return err
		}
	}

	return nil
}

// processRow applies the per-row state machine and returns the row's record
// as persisted. Only store persistence failures surface as errors.
func (o *Orchestrator) processRow(ctx context.Context, row source.Row, rec *record.Record, downloadsStarted *int) (*record.Record, error) {
	fp := row.Fingerprint()

	if rec != nil && rec.Fingerprint != fp {
		level.Info(o.log).Log("msg", "row url changed since last run, re-fetching", "row_id", row.ID)
		rec = nil
	}

	if rec != nil && rec.Downloaded() {
		if util_io.FileNonEmpty(rec.LocalPath) {
			// idempotence: a completed download is never fetched again
			rec.Status = record.SKIPPED_EXISTING
			rec.UpdatedAt = time.Now().UTC()
			if err := o.upsert(ctx, rec); err != nil {
				return nil, err
			}
			o.rowsProcessed.WithLabelValues("skipped").Inc()
			return rec, nil
		}

		level.Warn(o.log).Log("msg", "local file missing for completed row, re-fetching", "row_id", row.ID)
		rec = nil
	}

	if rec != nil && rec.Status == record.FAILED {
		if !o.cfg.RetryFailed {
			o.rowsProcessed.WithLabelValues("failed").Inc()
			return rec, nil
		}
		rec.Status = record.PENDING
		rec.Attempts = 0
		rec.LastError = ""
	}

	if rec == nil {
		rec = record.New(row.ID, row.DisplayName, row.EffectiveURL(), fp, row.Position)
	}

	// Persist before fetching: an interruption mid-download costs only this
	// row, and only its attempt counter.
	if err := o.upsert(ctx, rec); err != nil {
		return nil, err
	}

	if rec.Attempts >= o.cfg.RetryCeiling {
		rec.Status = record.FAILED
		rec.UpdatedAt = time.Now().UTC()
		if err := o.upsert(ctx, rec); err != nil {
			return nil, err
		}
		o.rowsProcessed.WithLabelValues("failed").Inc()
		return rec, nil
	}

	if o.cfg.MaxDownloads > 0 && *downloadsStarted >= o.cfg.MaxDownloads {
		o.rowsProcessed.WithLabelValues("deferred").Inc()
		return rec, nil
	}
	*downloadsStarted++

	dest := filepath.Join(o.cfg.DownloadDir, row.ID+o.cfg.FileSuffix)

	req := fetcher.Request{
		URL:          row.EffectiveURL(),
		Dest:         dest,
		ExpectedSize: row.ExpectedSize,
	}
	if row.URL != "" {
		req.FallbackURL = row.FallbackURL
	}

	res := o.fetch.Fetch(ctx, req)

	rec.Attempts += res.Attempts
	rec.UpdatedAt = time.Now().UTC()

	if res.Status == fetcher.StatusSuccess {
		rec.Status = record.SUCCESS
		rec.LocalPath = dest
		rec.LastError = ""
		o.bytesDownloaded.Add(res.BytesWritten)
		o.bytesTotal.Add(float64(res.BytesWritten))
		o.rowsProcessed.WithLabelValues("success").Inc()
	} else {
		rec.LocalPath = ""
		if res.Err != nil {
			rec.LastError = res.Err.Error()
		}
		if res.Permanent || rec.Attempts >= o.cfg.RetryCeiling {
			rec.Status = record.FAILED
			o.rowsProcessed.WithLabelValues("failed").Inc()
		} else {
			// stays PENDING, retried on the next run
			o.rowsProcessed.WithLabelValues("pending").Inc()
		}
	}

	if err := o.upsert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// uploadCompleted pushes downloaded files that have no remote id yet. Upload
// failures never demote a row: the download stands and the remote id stays
// empty for a later run.
func (o *Orchestrator) uploadCompleted(ctx context.Context) error {
	snapshot, err := o.store.Snapshot(ctx)
	if err != nil {
		return errors.Wrap(err, "orchestrator snapshot for upload")
	}

	eligible := lo.Filter(snapshot, func(rec *record.Record, _ int) bool {
		return rec.Downloaded() && rec.RemoteID == "" && util_io.FileNonEmpty(rec.LocalPath)
	})

	for _, rec := range eligible {
		if ctx.Err() != nil {
			return nil
		}

		remoteID, err := o.uploader.Store(ctx, rec.LocalPath)
		if err != nil {
			level.Warn(o.log).Log("msg", "upload failed, keeping row for a later run", "row_id", rec.RowID, "err", err)
			o.uploadsTotal.WithLabelValues("failed").Inc()
			continue
		}

		rec.RemoteID = remoteID
		rec.UpdatedAt = time.Now().UTC()
		if err := o.upsert(ctx, rec); err != nil {
			return err
		}
		o.uploadsTotal.WithLabelValues("success").Inc()
	}

	return nil
}

// upsert writes through to the store. A store that can not persist breaks
// the durability contract, so this is the one fatal path in the run.
func (o *Orchestrator) upsert(ctx context.Context, rec *record.Record) error {
	if err := o.store.Upsert(ctx, rec); err != nil {
		return errors.Wrap(err, "orchestrator persist record")
	}
	return nil
}

// BytesDownloaded reports the bytes written by this run's downloads.
func (o *Orchestrator) BytesDownloaded() int64 {
	return o.bytesDownloaded.Load()
}
