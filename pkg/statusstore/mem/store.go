// Package mem provides an in-memory status store. It backs unit tests and
// the "mem" store option for throwaway runs; nothing survives the process.
package mem

import (
	"context"
	"sort"

	"github.com/corvidae/magpie/pkg/statusstore/record"
)

type Store struct {
	recs map[string]*record.Record

	// UpsertErr, when set, is returned from every Upsert. Lets tests
	// exercise the fatal persistence path.
	UpsertErr error
}

func NewStore() *Store {
	return &Store{recs: make(map[string]*record.Record)}
}

func (s *Store) Load(ctx context.Context) (map[string]*record.Record, error) {
	out := make(map[string]*record.Record, len(s.recs))
	for k, v := range s.recs {
		c := *v
		out[k] = &c
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, rowID string) (*record.Record, bool, error) {
	rec, ok := s.recs[rowID]
	if !ok {
		return nil, false, nil
	}
	c := *rec
	return &c, true, nil
}

func (s *Store) Upsert(ctx context.Context, rec *record.Record) error {
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	c := *rec
	s.recs[rec.RowID] = &c
	return nil
}

func (s *Store) Snapshot(ctx context.Context) ([]*record.Record, error) {
	out := make([]*record.Record, 0, len(s.recs))
	for _, v := range s.recs {
		c := *v
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) Dispose(ctx context.Context) error { return nil }
