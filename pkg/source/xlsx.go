package source

import (
	"context"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

type xlsxSource struct {
	cfg Config
	log log.Logger
}

func newXLSXSource(cfg Config, log log.Logger) *xlsxSource {
	return &xlsxSource{cfg: cfg, log: log}
}

func (s *xlsxSource) Rows(ctx context.Context) ([]Row, error) {
	f, err := excelize.OpenFile(s.cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "xlsx source open file")
	}
	defer f.Close()

	sheet := s.cfg.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}

	cells, err := f.GetRows(sheet)
	if err != nil {
		return nil, errors.Wrap(err, "xlsx source read sheet")
	}
	if len(cells) == 0 {
		return nil, errors.Errorf("xlsx source sheet %q is empty", sheet)
	}

	return buildRows(s.cfg, cells[0], cells[1:], s.log)
}
