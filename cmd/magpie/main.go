package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvidae/magpie/pkg/magpie"
	util_log "github.com/corvidae/magpie/pkg/util/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v2"
)

func main() {
	var (
		configPath  string
		retryFailed bool
		targetPath  string
	)
	flag.StringVar(&configPath, "config", "magpie.yaml", "path to the yaml config file")
	flag.BoolVar(&retryFailed, "retry-failed", false, "re-attempt rows that ended FAILED in a previous run")
	flag.StringVar(&targetPath, "target", "", "override the status spreadsheet path")

	cfg := magpie.Config{}
	cfg.RegisterFlags(flag.CommandLine)

	// The first parse learns -config, the yaml file then loads over the flag
	// defaults, and the second parse puts explicitly passed flags back on top.
	flag.Parse()

	err := loadConfig(configPath, &cfg)
	util_log.CheckFatal("loading config", err, util_log.NewLogger(cfg.Log))

	flag.Parse()

	if retryFailed {
		cfg.Orchestrator.RetryFailed = true
	}
	if targetPath != "" {
		cfg.Report.XLSXPath = targetPath
	}

	logger := util_log.NewLogger(cfg.Log)

	// Stop between rows on interrupt; completed rows are already flushed.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := magpie.New(cfg, prometheus.NewRegistry(), logger)

	code, err := app.Run(ctx)
	util_log.CheckFatal("running batch", err, logger)

	os.Exit(code)
}

func loadConfig(path string, cfg *magpie.Config) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}

	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return errors.Wrap(err, "parse config file")
	}

	return nil
}
