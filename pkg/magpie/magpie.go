package magpie

import (
	"context"
	"flag"
	"os"

	"github.com/corvidae/magpie/pkg/fetcher"
	"github.com/corvidae/magpie/pkg/orchestrator"
	"github.com/corvidae/magpie/pkg/report"
	"github.com/corvidae/magpie/pkg/source"
	"github.com/corvidae/magpie/pkg/statusstore"
	"github.com/corvidae/magpie/pkg/uploader"
	util_log "github.com/corvidae/magpie/pkg/util/log"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	Source       source.Config       `yaml:"source"`
	StatusStore  statusstore.Config  `yaml:"status_store"`
	Fetcher      fetcher.Config      `yaml:"fetcher"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Uploader     uploader.Config     `yaml:"uploader"`
	Report       ReportConfig        `yaml:"report"`
	Log          util_log.Config     `yaml:"logging"`
}

type ReportConfig struct {
	// JSONPath and XLSXPath are optional extra renditions of the same
	// report; the text summary always goes to stdout.
	JSONPath string `yaml:"json_path"`
	XLSXPath string `yaml:"xlsx_path"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Source.RegisterFlags("source.", f)
	c.StatusStore.RegisterFlags("status-store.", f)
	c.Fetcher.RegisterFlags("fetcher.", f)
	c.Orchestrator.RegisterFlags("orchestrator.", f)
	c.Uploader.RegisterFlags("uploader.", f)
	c.Log.RegisterFlags(f)

	f.StringVar(&c.Report.JSONPath, "report.json-path", "", `Optional path for the JSON report.`)
	f.StringVar(&c.Report.XLSXPath, "report.xlsx-path", "", `Optional path for the status spreadsheet.`)
}

// App wires a single batch run: source -> orchestrator -> report -> uploads.
type App struct {
	cfg Config
	reg prometheus.Registerer
	log gklog.Logger
}

func New(cfg Config, reg prometheus.Registerer, log gklog.Logger) *App {
	return &App{cfg: cfg, reg: reg, log: log}
}

// Run executes the batch to completion and returns the process exit code:
// zero unless at least one row ended FAILED.
func (a *App) Run(ctx context.Context) (int, error) {
	src, err := source.NewSource(a.cfg.Source, a.log)
	if err != nil {
		return 1, errors.Wrap(err, "magpie init source")
	}

	rows, err := src.Rows(ctx)
	if err != nil {
		return 1, errors.Wrap(err, "magpie read rows")
	}
	level.Info(a.log).Log("msg", "loaded source rows", "rows", len(rows))

	store, err := statusstore.NewStore(ctx, a.cfg.StatusStore, a.log)
	if err != nil {
		return 1, errors.Wrap(err, "magpie connect to status store")
	}
	defer func() {
		if err := store.Dispose(context.Background()); err != nil {
			level.Warn(a.log).Log("msg", "could not close status store", "err", err)
		}
	}()

	up, err := uploader.NewUploader(a.cfg.Uploader, a.log)
	if err != nil {
		return 1, errors.Wrap(err, "magpie init uploader")
	}

	orch := orchestrator.New(
		a.cfg.Orchestrator,
		store,
		fetcher.New(a.cfg.Fetcher, a.log),
		up,
		a.reg,
		a.log,
	)

	if err := orch.Run(ctx, rows); err != nil {
		return 1, errors.Wrap(err, "magpie run batch")
	}

	snapshot, err := store.Snapshot(ctx)
	if err != nil {
		return 1, errors.Wrap(err, "magpie snapshot status store")
	}

	rep := report.Build(snapshot)
	if err := a.writeReport(rep); err != nil {
		return 1, err
	}

	level.Info(a.log).Log("msg", "batch finished",
		"total", rep.Total, "succeeded", rep.Succeeded, "failed", rep.Failed,
		"skipped", rep.Skipped, "pending", rep.Pending,
		"bytes", orch.BytesDownloaded())

	return rep.ExitCode(), nil
}

func (a *App) writeReport(rep report.Report) error {
	if err := report.WriteText(os.Stdout, rep); err != nil {
		return errors.Wrap(err, "magpie write text report")
	}

	if a.cfg.Report.JSONPath != "" {
		f, err := os.Create(a.cfg.Report.JSONPath)
		if err != nil {
			return errors.Wrap(err, "magpie create json report")
		}
		if err := report.WriteJSON(f, rep); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return errors.Wrap(err, "magpie close json report")
		}
	}

	if a.cfg.Report.XLSXPath != "" {
		if err := report.WriteXLSX(a.cfg.Report.XLSXPath, rep); err != nil {
			return err
		}
	}

	return nil
}
