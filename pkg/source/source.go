package source

import (
	"context"
	"flag"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type Config struct {
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
	Sheet  string `yaml:"sheet"`

	IDColumn          string `yaml:"id_column"`
	NameColumn        string `yaml:"name_column"`
	URLColumn         string `yaml:"url_column"`
	FallbackURLColumn string `yaml:"fallback_url_column"`
	SizeColumn        string `yaml:"size_column"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.Format, flagPrefix+"format", "xlsx", `Source format (xlsx or csv).`)
	f.StringVar(&c.Path, flagPrefix+"path", "", `Path to the source spreadsheet.`)
	f.StringVar(&c.IDColumn, flagPrefix+"id-column", "BRnum", `Column holding the stable row id.`)
	f.StringVar(&c.URLColumn, flagPrefix+"url-column", "Pdf_URL", `Column holding the primary document URL.`)
	f.StringVar(&c.FallbackURLColumn, flagPrefix+"fallback-url-column", "Report Html Address", `Column holding the fallback URL.`)
}

// Source produces the ordered sequence of rows for a batch.
type Source interface {
	Rows(ctx context.Context) ([]Row, error)
}

func NewSource(cfg Config, log log.Logger) (Source, error) {
	switch cfg.Format {
	case "xlsx":
		return newXLSXSource(cfg, log), nil
	case "csv":
		return newCSVSource(cfg, log), nil
	default:
		return nil, errors.New("invalid source format in config")
	}
}

// buildRows turns raw header-addressed cells into validated rows. A missing
// or duplicate id fails the load; rows without any URL are dropped with a
// warning, matching the report-list semantics of the source data.
func buildRows(cfg Config, header []string, cells [][]string, logger log.Logger) ([]Row, error) {
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}

	idIdx, ok := col[cfg.IDColumn]
	if !ok {
		return nil, errors.Errorf("source is missing id column %q", cfg.IDColumn)
	}

	rows := make([]Row, 0, len(cells))
	seen := make(map[string]struct{}, len(cells))

	for i, cell := range cells {
		line := i + 2 // 1-based, after the header

		id := strings.TrimSpace(pick(cell, idIdx))
		if id == "" {
			return nil, &MalformedRowError{Line: line, Reason: "empty " + cfg.IDColumn}
		}
		if _, dup := seen[id]; dup {
			return nil, &MalformedRowError{Line: line, Reason: "duplicate " + cfg.IDColumn + " " + id}
		}
		seen[id] = struct{}{}

		r := Row{
			ID:          id,
			DisplayName: id,
			Position:    len(rows),
		}
		if idx, ok := col[cfg.NameColumn]; ok && cfg.NameColumn != "" {
			if name := strings.TrimSpace(pick(cell, idx)); name != "" {
				r.DisplayName = name
			}
		}
		if idx, ok := col[cfg.URLColumn]; ok {
			r.URL = strings.TrimSpace(pick(cell, idx))
		}
		if idx, ok := col[cfg.FallbackURLColumn]; ok {
			r.FallbackURL = strings.TrimSpace(pick(cell, idx))
		}
		if idx, ok := col[cfg.SizeColumn]; ok && cfg.SizeColumn != "" {
			if raw := strings.TrimSpace(pick(cell, idx)); raw != "" {
				size, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return nil, &MalformedRowError{Line: line, Reason: "bad " + cfg.SizeColumn + ": " + raw}
				}
				r.ExpectedSize = &size
			}
		}

		if r.EffectiveURL() == "" {
			level.Warn(logger).Log("msg", "dropping row without a download url", "row_id", id)
			continue
		}

		rows = append(rows, r)
	}

	return rows, nil
}

func pick(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return cells[idx]
}
