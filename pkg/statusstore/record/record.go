package record

import "time"

const (
	PENDING          = "PENDING"
	SUCCESS          = "SUCCESS"
	FAILED           = "FAILED"
	SKIPPED_EXISTING = "SKIPPED_EXISTING"
)

// Record is the persisted outcome and attempt history for one row.
type Record struct {
	RowID       string
	DisplayName string
	URL         string
	Fingerprint string
	Status      string
	LocalPath   string
	Attempts    int
	LastError   string
	RemoteID    string
	Position    int
	UpdatedAt   time.Time
}

func New(rowID string, displayName string, url string, fingerprint string, position int) *Record {
	return &Record{
		RowID:       rowID,
		DisplayName: displayName,
		URL:         url,
		Fingerprint: fingerprint,
		Status:      PENDING,
		Position:    position,
		UpdatedAt:   time.Now().UTC(),
	}
}

// Terminal reports whether the record needs no further processing within a run.
func (r *Record) Terminal() bool {
	return r.Status == SUCCESS || r.Status == FAILED || r.Status == SKIPPED_EXISTING
}

// Downloaded reports whether the record claims a completed local file.
func (r *Record) Downloaded() bool {
	return r.Status == SUCCESS || r.Status == SKIPPED_EXISTING
}
