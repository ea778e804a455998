package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/kolkov/racecore/internal/race/config"
	"github.com/kolkov/racecore/internal/race/racelog"
)

// source selects where records are read from.
type source struct {
	driver string
	dsn    string
}

func (s *source) register(fs *flag.FlagSet) {
	fs.StringVar(&s.driver, "driver", config.DriverFile, "race log driver: file, sqlite or pgx")
	fs.StringVar(&s.dsn, "dsn", "", "data source name for the sqlite and pgx drivers")
}

// load reads every record. path is the positional argument, used as the
// DSN of a SQL driver when -dsn is empty.
func (s *source) load(ctx context.Context, path string) ([]*racelog.Record, error) {
	switch s.driver {
	case config.DriverFile:
		if path == "" {
			return nil, fmt.Errorf("%w: file driver needs a path", errUsage)
		}
		_, recs, err := racelog.ReadFile(path)
		return recs, err
	case config.DriverSQLite, config.DriverPgx:
		dsn := s.dsn
		if dsn == "" {
			dsn = path
		}
		l, err := racelog.OpenSQL(ctx, s.driver, dsn)
		if err != nil {
			return nil, err
		}
		defer func() { _ = l.Close() }()
		return l.Records(ctx)
	default:
		return nil, fmt.Errorf("unknown driver %q", s.driver)
	}
}
