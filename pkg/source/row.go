package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Row is one spreadsheet entry describing a document to fetch. Immutable
// once read.
type Row struct {
	ID          string
	DisplayName string
	URL         string
	FallbackURL string

	// ExpectedSize is an optional size hint used for the integrity check.
	ExpectedSize *int64

	// Position is the zero-based row order within the source.
	Position int
}

// EffectiveURL prefers the primary URL and falls back to the secondary one.
func (r Row) EffectiveURL() string {
	if r.URL != "" {
		return r.URL
	}
	return r.FallbackURL
}

// Fingerprint identifies the row's download target. A stored record whose
// fingerprint no longer matches the row is re-fetched, so a URL edit under a
// stable row id is not silently served from the old file.
func (r Row) Fingerprint() string {
	sum := sha256.Sum256([]byte(r.EffectiveURL()))
	return hex.EncodeToString(sum[:])[:16]
}

// MalformedRowError reports a source row that can not be turned into a valid
// Row. It fails the load: identity problems would poison the status store.
type MalformedRowError struct {
	Line   int
	Reason string
}

func (e *MalformedRowError) Error() string {
	return fmt.Sprintf("malformed row at line %d: %s", e.Line, e.Reason)
}
