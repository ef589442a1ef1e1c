package fetcher

import (
	"context"

	util_http "github.com/corvidae/magpie/pkg/util/http"
	gklog "github.com/go-kit/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// Probe asks a server for a document's size ahead of the transfer. Failures
// are advisory; the fetch proceeds without the answer.
type Probe struct {
	httpClient *retryablehttp.Client
	log        gklog.Logger
}

func NewProbe(cfg Config, log gklog.Logger) *Probe {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.ProbeRetryMax
	c.HTTPClient.Timeout = cfg.Timeout
	c.HTTPClient.Transport = newTransport(cfg.InsecureSkipVerify)

	return &Probe{
		httpClient: c,
		log:        log,
	}
}

func (p *Probe) ContentLength(ctx context.Context, url string) (int64, error) {
	req, err := retryablehttp.NewRequest("HEAD", url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "probe content length")
	}

	resp, err := p.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return 0, errors.Wrap(err, "probe content length")
	}
	defer resp.Body.Close()

	if err := util_http.EnsureSuccessStatusCode(resp); err != nil {
		return 0, errors.Wrap(err, "probe content length")
	}

	return resp.ContentLength, nil
}
