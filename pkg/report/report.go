package report

import (
	"github.com/corvidae/magpie/pkg/statusstore/record"
	"github.com/samber/lo"
)

// Detail is one row's line in the report. Every row that entered the batch
// appears, failed or not.
type Detail struct {
	RowID       string `json:"row_id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	LocalPath   string `json:"local_path,omitempty"`
	RemoteID    string `json:"remote_id,omitempty"`
}

type Report struct {
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Pending   int      `json:"pending"`
	Details   []Detail `json:"details"`
}

// Build derives a report from a status store snapshot. Pure and
// deterministic: the same snapshot always yields the same report.
func Build(recs []*record.Record) Report {
	counts := lo.CountValuesBy(recs, func(rec *record.Record) string { return rec.Status })

	return Report{
		Total:     len(recs),
		Succeeded: counts[record.SUCCESS],
		Failed:    counts[record.FAILED],
		Skipped:   counts[record.SKIPPED_EXISTING],
		Pending:   counts[record.PENDING],
		Details: lo.Map(recs, func(rec *record.Record, _ int) Detail {
			return Detail{
				RowID:       rec.RowID,
				DisplayName: rec.DisplayName,
				Status:      rec.Status,
				Attempts:    rec.Attempts,
				LastError:   rec.LastError,
				LocalPath:   rec.LocalPath,
				RemoteID:    rec.RemoteID,
			}
		}),
	}
}

// ExitCode maps the report to the process exit status: zero only when no
// row ended FAILED.
func (r Report) ExitCode() int {
	if r.Failed > 0 {
		return 1
	}
	return 0
}
