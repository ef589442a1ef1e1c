package source

import (
	"context"
	"encoding/csv"
	"os"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

type csvSource struct {
	cfg Config
	log log.Logger
}

func newCSVSource(cfg Config, log log.Logger) *csvSource {
	return &csvSource{cfg: cfg, log: log}
}

func (s *csvSource) Rows(ctx context.Context) ([]Row, error) {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "csv source open file")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	cells, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "csv source read file")
	}
	if len(cells) == 0 {
		return nil, errors.New("csv source file is empty")
	}

	return buildRows(s.cfg, cells[0], cells[1:], s.log)
}
