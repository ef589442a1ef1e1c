package magpie

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/corvidae/magpie/pkg/fetcher"
	"github.com/corvidae/magpie/pkg/orchestrator"
	"github.com/corvidae/magpie/pkg/report"
	"github.com/corvidae/magpie/pkg/source"
	"github.com/corvidae/magpie/pkg/statusstore"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

// countingHandler serves three documents: A succeeds, B always 404s, C fails
// twice with 503 and then succeeds.
type countingHandler struct {
	mu    sync.Mutex
	hits  map[string]int
	total int
}

func (h *countingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hits[r.URL.Path]++
	h.total++

	switch r.URL.Path {
	case "/a.pdf":
		w.Write([]byte("document a"))
	case "/b.pdf":
		http.NotFound(w, r)
	case "/c.pdf":
		if h.hits[r.URL.Path] <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("document c"))
	default:
		http.NotFound(w, r)
	}
}

func writeSourceCSV(t *testing.T, dir string, baseURL string) string {
	path := filepath.Join(dir, "reports.csv")
	data := fmt.Sprintf("BRnum,Pdf_URL,Report Html Address\nA,%s/a.pdf,\nB,%s/b.pdf,\nC,%s/c.pdf,\n",
		baseURL, baseURL, baseURL)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func testAppConfig(t *testing.T, dir string, baseURL string) Config {
	cfg := Config{
		Source: source.Config{
			Format:            "csv",
			Path:              writeSourceCSV(t, dir, baseURL),
			IDColumn:          "BRnum",
			URLColumn:         "Pdf_URL",
			FallbackURLColumn: "Report Html Address",
		},
		StatusStore: statusstore.Config{Store: "sqlite"},
		Fetcher: fetcher.Config{
			Timeout:       5 * time.Second,
			MaxAttempts:   3,
			MinBackoff:    1 * time.Millisecond,
			MaxBackoff:    5 * time.Millisecond,
			ProbeDisabled: true,
		},
		Orchestrator: orchestrator.Config{
			DownloadDir:  filepath.Join(dir, "downloads"),
			RetryCeiling: 3,
		},
		Report: ReportConfig{
			JSONPath: filepath.Join(dir, "report.json"),
		},
	}
	cfg.StatusStore.Sqlite.Path = filepath.Join(dir, "status.db")
	return cfg
}

func readReport(t *testing.T, path string) report.Report {
	buf, err := os.ReadFile(path)
	require.NoError(t, err)

	var rep report.Report
	require.NoError(t, json.Unmarshal(buf, &rep))
	return rep
}

func TestAppRunScenario(t *testing.T) {
	handler := &countingHandler{hits: make(map[string]int)}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	dir := t.TempDir()
	cfg := testAppConfig(t, dir, srv.URL)

	app := New(cfg, prometheus.NewPedanticRegistry(), log.NewNopLogger())
	code, err := app.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, code, "a failed row makes the exit status non-zero")

	rep := readReport(t, cfg.Report.JSONPath)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, rep.Skipped)

	require.Len(t, rep.Details, 3)
	assert.Equal(t, "B", rep.Details[1].RowID)
	assert.Contains(t, rep.Details[1].LastError, "404")
	assert.Equal(t, "C", rep.Details[2].RowID)
	assert.Equal(t, 3, rep.Details[2].Attempts)
	assert.Equal(t, "SUCCESS", rep.Details[2].Status)

	data, err := os.ReadFile(filepath.Join(dir, "downloads", "C.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "document c", string(data))

	_, err = os.Stat(filepath.Join(dir, "downloads", "B.pdf"))
	assert.True(t, os.IsNotExist(err), "failed rows leave no artifact")
}

func TestAppRerunIsIdempotent(t *testing.T) {
	handler := &countingHandler{hits: make(map[string]int)}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	dir := t.TempDir()
	cfg := testAppConfig(t, dir, srv.URL)

	app := New(cfg, prometheus.NewPedanticRegistry(), log.NewNopLogger())
	_, err := app.Run(context.Background())
	require.NoError(t, err)

	firstRunHits := handler.total

	app2 := New(cfg, prometheus.NewPedanticRegistry(), log.NewNopLogger())
	code, err := app2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, code, "B is still FAILED")
	assert.Equal(t, firstRunHits, handler.total, "a re-run makes no network calls")

	rep := readReport(t, cfg.Report.JSONPath)
	assert.Equal(t, 2, rep.Skipped)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, rep.Succeeded)
}

func TestConfigDefaultsAndOverrides(t *testing.T) {
	fs := flag.NewFlagSet("magpie", flag.ContinueOnError)
	cfg := Config{}
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	// a minimal yaml leaves every unnamed key on its flag default
	minimal := `
source:
  path: reports.xlsx
orchestrator:
  download_dir: /data/downloads
`
	require.NoError(t, yaml.Unmarshal([]byte(minimal), &cfg))

	assert.Equal(t, "reports.xlsx", cfg.Source.Path)
	assert.Equal(t, "xlsx", cfg.Source.Format)
	assert.Equal(t, "BRnum", cfg.Source.IDColumn)
	assert.Equal(t, "sqlite", cfg.StatusStore.Store)
	assert.Equal(t, ".pdf", cfg.Orchestrator.FileSuffix)
	assert.Equal(t, 3, cfg.Orchestrator.RetryCeiling)

	// explicitly passed flags win over the yaml
	require.NoError(t, fs.Parse([]string{"-source.format", "csv", "-report.xlsx-path", "/tmp/Download_Status.xlsx"}))
	assert.Equal(t, "csv", cfg.Source.Format)
	assert.Equal(t, "/tmp/Download_Status.xlsx", cfg.Report.XLSXPath)
}

func TestAppRetryFailedMode(t *testing.T) {
	handler := &countingHandler{hits: make(map[string]int)}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	dir := t.TempDir()
	cfg := testAppConfig(t, dir, srv.URL)

	app := New(cfg, prometheus.NewPedanticRegistry(), log.NewNopLogger())
	_, err := app.Run(context.Background())
	require.NoError(t, err)

	cfg.Orchestrator.RetryFailed = true
	app2 := New(cfg, prometheus.NewPedanticRegistry(), log.NewNopLogger())
	code, err := app2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, code)

	// B was re-attempted and 404s again
	handler.mu.Lock()
	bHits := handler.hits["/b.pdf"]
	handler.mu.Unlock()
	assert.Equal(t, 2, bHits)
}
