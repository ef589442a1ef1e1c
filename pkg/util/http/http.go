package http

import (
	"errors"
	"net/http"
)

func isSuccessStatusCode(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func EnsureSuccessStatusCode(resp *http.Response) error {
	if !isSuccessStatusCode(resp) {
		return errors.New("http response did not indicate success status code: " + resp.Status)
	}
	return nil
}

// IsTransientStatusCode reports whether the status code is worth retrying.
// Server-side errors and 429 come and go; everything else in the error range
// is the caller's fault and will not improve on retry.
func IsTransientStatusCode(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// IsPermanentStatusCode reports whether the status code is a client error
// that must not be retried within a run.
func IsPermanentStatusCode(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
