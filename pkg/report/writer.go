package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

const statusSheet = "Download_Status"

// WriteText renders the human-readable summary.
func WriteText(w io.Writer, r Report) error {
	if _, err := fmt.Fprintf(w, "total: %d, succeeded: %d, failed: %d, skipped: %d, pending: %d\n",
		r.Total, r.Succeeded, r.Failed, r.Skipped, r.Pending); err != nil {
		return errors.Wrap(err, "write report summary")
	}

	for _, d := range r.Details {
		line := fmt.Sprintf("%s\t%s\t%s\tattempts=%d", d.RowID, d.DisplayName, d.Status, d.Attempts)
		if d.LastError != "" {
			line += "\t" + d.LastError
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return errors.Wrap(err, "write report detail")
		}
	}

	return nil
}

// WriteJSON renders the machine-readable form of the same report value.
func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return errors.Wrap(err, "encode report json")
	}
	return nil
}

// WriteXLSX writes the status spreadsheet consumed by the reporting side of
// the original pipeline: one line per row with status and error message.
func WriteXLSX(path string, r Report) error {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName(f.GetSheetName(0), statusSheet)

	header := []string{"Id", "Name", "Status", "Attempts", "Error Message", "Remote Id"}
	for i, h := range header {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return errors.Wrap(err, "report xlsx header cell")
		}
		if err := f.SetCellValue(statusSheet, cell, h); err != nil {
			return errors.Wrap(err, "report xlsx write header")
		}
	}

	for i, d := range r.Details {
		values := []string{d.RowID, d.DisplayName, d.Status, strconv.Itoa(d.Attempts), d.LastError, d.RemoteID}
		for j, v := range values {
			cell, err := excelize.CoordinatesToCellName(j+1, i+2)
			if err != nil {
				return errors.Wrap(err, "report xlsx detail cell")
			}
			if err := f.SetCellValue(statusSheet, cell, v); err != nil {
				return errors.Wrap(err, "report xlsx write detail")
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return errors.Wrap(err, "report xlsx save")
	}

	return nil
}
