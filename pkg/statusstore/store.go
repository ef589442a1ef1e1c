package statusstore

import (
	"context"
	"flag"

	"github.com/corvidae/magpie/pkg/statusstore/mem"
	"github.com/corvidae/magpie/pkg/statusstore/pg"
	pgcfg "github.com/corvidae/magpie/pkg/statusstore/pg/config"
	"github.com/corvidae/magpie/pkg/statusstore/record"
	"github.com/corvidae/magpie/pkg/statusstore/sqlite"
	sqlitecfg "github.com/corvidae/magpie/pkg/statusstore/sqlite/config"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

type Config struct {
	Store       string `yaml:"store"`
	StoreConfig `yaml:",inline"`
}

type StoreConfig struct {
	Sqlite sqlitecfg.Config `yaml:"sqlite"`
	Pg     pgcfg.Config     `yaml:"pg"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	c.Sqlite.RegisterFlags(flagPrefix, f)
	c.Pg.RegisterFlags(flagPrefix, f)

	f.StringVar(&c.Store, flagPrefix+"store", "sqlite", `Store, that will be used to persist download records.`)
}

// Store is the durable mapping from row id to download record. Upsert writes
// through to stable storage before returning; Snapshot returns records in
// original row order.
type Store interface {
	Load(ctx context.Context) (map[string]*record.Record, error)
	Get(ctx context.Context, rowID string) (*record.Record, bool, error)
	Upsert(ctx context.Context, rec *record.Record) error
	Snapshot(ctx context.Context) ([]*record.Record, error)
	Dispose(ctx context.Context) error
}

func NewStore(ctx context.Context, cfg Config, log log.Logger) (Store, error) {
	switch cfg.Store {
	case "sqlite":
		return sqlite.NewStore(ctx, cfg.Sqlite, log)
	case "pg":
		return pg.NewStore(ctx, cfg.Pg, log)
	case "mem":
		return mem.NewStore(), nil
	default:
		return nil, errors.New("invalid store in config")
	}
}

// IsCorrupt reports whether err marks a store whose persisted data could not
// be read as a whole. The backend has already recovered its schema by the
// time such an error is returned, so the caller may continue from an empty
// view and keep upserting.
func IsCorrupt(err error) bool {
	var c interface{ CorruptStore() bool }
	return errors.As(err, &c) && c.CorruptStore()
}
