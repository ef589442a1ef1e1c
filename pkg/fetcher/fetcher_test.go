package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		MaxAttempts:   3,
		MinBackoff:    1 * time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		ProbeDisabled: true,
	}
}

func destPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "BR1.pdf")
}

func TestFetchSuccessFirstTry(t *testing.T) {
	var gets int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets++
		w.Write([]byte("%PDF-1.4 content"))
	}))
	defer srv.Close()

	dest := destPath(t)
	f := New(testConfig(), log.NewNopLogger())
	res := f.Fetch(context.Background(), Request{URL: srv.URL, Dest: dest})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, gets)
	assert.Greater(t, res.BytesWritten, int64(0))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 content", string(data))
}

func TestFetchPermanentNotRetried(t *testing.T) {
	var gets int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := destPath(t)
	f := New(testConfig(), log.NewNopLogger())
	res := f.Fetch(context.Background(), Request{URL: srv.URL, Dest: dest})

	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Permanent)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, gets)
	assert.Error(t, res.Err)
}

func TestFetchTransientThenSuccess(t *testing.T) {
	var gets int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets++
		if gets <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("content"))
	}))
	defer srv.Close()

	dest := destPath(t)
	f := New(testConfig(), log.NewNopLogger())
	res := f.Fetch(context.Background(), Request{URL: srv.URL, Dest: dest})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Attempts)
}

func TestFetchRetryCeiling(t *testing.T) {
	var gets int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dest := destPath(t)
	f := New(testConfig(), log.NewNopLogger())
	res := f.Fetch(context.Background(), Request{URL: srv.URL, Dest: dest})

	assert.Equal(t, StatusFailed, res.Status)
	assert.False(t, res.Permanent)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, gets)
}

func TestFetchNoPartialArtifacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dest := destPath(t)
	f := New(testConfig(), log.NewNopLogger())
	res := f.Fetch(context.Background(), Request{URL: srv.URL, Dest: dest})

	require.Equal(t, StatusFailed, res.Status)

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "no file may exist at the destination")
	_, err = os.Stat(dest + tmpSuffix)
	assert.True(t, os.IsNotExist(err), "no temp file may be left behind")
}

func TestFetchSizeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("short"))
	}))
	defer srv.Close()

	dest := destPath(t)
	expected := int64(1 << 20)

	f := New(testConfig(), log.NewNopLogger())
	res := f.Fetch(context.Background(), Request{URL: srv.URL, Dest: dest, ExpectedSize: &expected})

	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Permanent)

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestFetchFallbackURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/primary" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("fallback content"))
	}))
	defer srv.Close()

	dest := destPath(t)
	f := New(testConfig(), log.NewNopLogger())
	res := f.Fetch(context.Background(), Request{
		URL:         srv.URL + "/primary",
		FallbackURL: srv.URL + "/fallback",
		Dest:        dest,
	})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Attempts)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "fallback content", string(data))
}

func TestFetchTooManyRequestsRetried(t *testing.T) {
	var gets int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets++
		if gets <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("content"))
	}))
	defer srv.Close()

	dest := destPath(t)
	f := New(testConfig(), log.NewNopLogger())
	res := f.Fetch(context.Background(), Request{URL: srv.URL, Dest: dest})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, gets)
}

func TestFetchProbedSizeBacksIntegrityCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "1048576")
			return
		}
		w.Write([]byte("short"))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ProbeDisabled = false

	dest := destPath(t)
	f := New(cfg, log.NewNopLogger())
	res := f.Fetch(context.Background(), Request{URL: srv.URL, Dest: dest})

	// the row carried no size hint; the HEAD answer stands in for it
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, res.Permanent)

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestFetchProbedSizeMatching(t *testing.T) {
	body := []byte("%PDF-1.4 content")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ProbeDisabled = false

	dest := destPath(t)
	f := New(cfg, log.NewNopLogger())
	res := f.Fetch(context.Background(), Request{URL: srv.URL, Dest: dest})

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int64(len(body)), res.BytesWritten)
}

func TestProbeContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "42")
	}))
	defer srv.Close()

	p := NewProbe(testConfig(), log.NewNopLogger())
	size, err := p.ContentLength(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(42), size)
}
