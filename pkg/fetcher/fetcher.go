package fetcher

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/grab/v3"
	util_http "github.com/corvidae/magpie/pkg/util/http"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"

	tmpSuffix = ".tmp"
)

type Config struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	BufferSize  int           `yaml:"buffer_size"`

	// SizeTolerance is the accepted relative deviation between the size hint
	// and the server-reported content length.
	SizeTolerance float64 `yaml:"size_tolerance"`

	// Some report hosts serve certificates that do not validate; the
	// original pipeline fetched them anyway.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Probe
	ProbeRetryMax int  `yaml:"probe_retry_max"`
	ProbeDisabled bool `yaml:"probe_disabled"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.DurationVar(&c.Timeout, flagPrefix+"timeout", 30*time.Second, `Per attempt HTTP timeout.`)
	f.IntVar(&c.MaxAttempts, flagPrefix+"max-attempts", 3, `Max transfer attempts per fetch.`)
	f.DurationVar(&c.MinBackoff, flagPrefix+"min-backoff", 500*time.Millisecond, `Initial delay between attempts.`)
	f.DurationVar(&c.MaxBackoff, flagPrefix+"max-backoff", 30*time.Second, `Max delay between attempts.`)
	f.BoolVar(&c.InsecureSkipVerify, flagPrefix+"insecure-skip-verify", false, `Skip TLS certificate validation.`)
}

// Request describes one document transfer.
type Request struct {
	URL         string
	FallbackURL string
	Dest        string

	// ExpectedSize, when set, is checked against the server-reported
	// content length after the transfer.
	ExpectedSize *int64
}

// Result is how fetch outcomes cross back to the caller. Failures are
// values, never errors, so one bad row can not abort a batch.
type Result struct {
	Status       string
	Attempts     int
	BytesWritten int64

	// Permanent marks failures that must not be retried within a run.
	Permanent bool
	Err       error
}

type Fetcher struct {
	cfg        Config
	grabClient *grab.Client
	probe      *Probe
	log        gklog.Logger
}

func New(cfg Config, log gklog.Logger) *Fetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.SizeTolerance <= 0 {
		cfg.SizeTolerance = 0.05
	}

	c := grab.NewClient()
	c.BufferSize = cfg.BufferSize
	c.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: newTransport(cfg.InsecureSkipVerify),
	}

	return &Fetcher{
		cfg:        cfg,
		grabClient: c,
		probe:      NewProbe(cfg, log),
		log:        log,
	}
}

func newTransport(insecure bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

// Fetch downloads one document to req.Dest. The transfer lands in a
// temporary file that is renamed into place only after the integrity check,
// so an interrupted fetch never leaves a plausible artifact at Dest.
func (f *Fetcher) Fetch(ctx context.Context, req Request) Result {
	urls := []string{req.URL}
	if req.FallbackURL != "" && req.FallbackURL != req.URL {
		urls = append(urls, req.FallbackURL)
	}

	// Without a size hint from the row, a preflight HEAD supplies the
	// expected length for the integrity check.
	var probed *int64
	if !f.cfg.ProbeDisabled && req.ExpectedSize == nil {
		if size, err := f.probe.ContentLength(ctx, urls[0]); err == nil && size > 0 {
			level.Debug(f.log).Log("msg", "probed content length", "url", urls[0], "size", size)
			probed = &size
		}
	}

	res := Result{Status: StatusFailed}
	urlIdx := 0

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: f.cfg.MinBackoff,
		MaxBackoff: f.cfg.MaxBackoff,
		MaxRetries: f.cfg.MaxAttempts,
	})

	for boff.Ongoing() {
		res.Attempts++

		// the probed length describes the primary URL only
		expected := req.ExpectedSize
		if expected == nil && urlIdx == 0 {
			expected = probed
		}

		written, err := f.transfer(ctx, urls[urlIdx], req.Dest, expected)
		if err == nil {
			res.Status = StatusSuccess
			res.BytesWritten = written
			res.Permanent = false
			res.Err = nil
			return res
		}

		res.Err = err
		res.Permanent = isPermanent(err)
		level.Warn(f.log).Log("msg", "fetch attempt failed", "url", urls[urlIdx], "attempt", res.Attempts, "permanent", res.Permanent, "err", err)

		if res.Permanent {
			// A dead primary URL is permanent, but the row may still carry
			// an alternative address worth one more try.
			if urlIdx+1 < len(urls) {
				urlIdx++
				continue
			}
			return res
		}

		boff.Wait()
	}

	if res.Err == nil {
		res.Err = boff.Err()
	}
	return res
}

// transfer runs one attempt: download to a temp path, verify, rename.
func (f *Fetcher) transfer(ctx context.Context, url string, dest string, expectedSize *int64) (int64, error) {
	tmp := dest + tmpSuffix

	greq, err := grab.NewRequest(tmp, url)
	if err != nil {
		return 0, &permanentError{errors.Wrap(err, "fetcher create request")}
	}
	greq.NoResume = true
	greq = greq.WithContext(ctx)

	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	resp := f.grabClient.Do(greq)

Loop:
	for {
		select {
		case <-t.C:
			level.Debug(f.log).Log("msg", fmt.Sprintf("transferred %d / %d bytes (%.2f%%)",
				resp.BytesComplete(),
				resp.Size(),
				100*resp.Progress()), "url", url)
		case <-resp.Done:
			break Loop
		}
	}

	if err := resp.Err(); err != nil {
		f.discard(tmp)
		return 0, classifyTransferErr(err, resp)
	}

	written := resp.BytesComplete()
	if err := f.verify(written, resp, expectedSize); err != nil {
		f.discard(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, dest); err != nil {
		f.discard(tmp)
		return 0, errors.Wrap(err, "fetcher move download into place")
	}

	return written, nil
}

// verify applies the integrity checks to a completed transfer.
func (f *Fetcher) verify(written int64, resp *grab.Response, expectedSize *int64) error {
	if written <= 0 {
		return &permanentError{errors.New("fetcher downloaded an empty file")}
	}

	if expectedSize == nil || resp.HTTPResponse == nil || resp.HTTPResponse.ContentLength <= 0 {
		return nil
	}

	reported := resp.HTTPResponse.ContentLength
	diff := reported - *expectedSize
	if diff < 0 {
		diff = -diff
	}
	if float64(diff) > f.cfg.SizeTolerance*float64(*expectedSize) {
		return &permanentError{errors.Errorf(
			"fetcher size mismatch: expected %d, server reported %d", *expectedSize, reported)}
	}

	return nil
}

func (f *Fetcher) discard(tmp string) {
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		level.Warn(f.log).Log("msg", "could not remove partial download", "path", filepath.Base(tmp), "err", err)
	}
}

type permanentError struct {
	cause error
}

func (e *permanentError) Error() string   { return e.cause.Error() }
func (e *permanentError) Unwrap() error   { return e.cause }
func (e *permanentError) Permanent() bool { return true }

func classifyTransferErr(err error, resp *grab.Response) error {
	code := 0
	var scErr grab.StatusCodeError
	if errors.As(err, &scErr) {
		code = int(scErr)
	} else if resp.HTTPResponse != nil {
		code = resp.HTTPResponse.StatusCode
	}

	switch {
	case code == 0 || util_http.IsTransientStatusCode(code):
		// network errors, timeouts, 5xx and 429 are worth another attempt
		return err
	case util_http.IsPermanentStatusCode(code):
		return &permanentError{err}
	default:
		return err
	}
}

func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
