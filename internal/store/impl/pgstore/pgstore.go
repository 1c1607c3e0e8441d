package pgstore

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/avlgate/internal/store"
)

// DB is the part of pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var _ DB = (*pgxpool.Pool)(nil)

var columns = []string{"imei", "latitud", "longitud", "timestamp"}

type Store struct {
	db     DB
	table  string
	insert string
	log    log.Logger
}

func NewStore(db DB, table string) *Store {
	o := &Store{db: db, table: table}
	o.insert = fmt.Sprintf(`INSERT INTO %s (imei, latitud, longitud, "timestamp") VALUES ($1, $2, $3, to_timestamp($4/1000.0))`, pgx.Identifier{table}.Sanitize())
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return o
}

// EnsureSchema creates the position table when missing.
func (st *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id bigserial PRIMARY KEY,
	imei text NOT NULL,
	latitud double precision NOT NULL,
	longitud double precision NOT NULL,
	"timestamp" timestamptz NOT NULL
)`, pgx.Identifier{st.table}.Sanitize())
	if _, err := st.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", st.table, err)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (st *Store) AppendFix(ctx context.Context, imei string, lat, lon float64, ts int64) error {
	if !finite(lat) || !finite(lon) {
		st.log.Warn().Str("imei", imei).Msg("skipping non finite coordinates")
		return nil
	}
	_, err := st.db.Exec(ctx, st.insert, imei, lat, lon, ts)
	if err != nil {
		return fmt.Errorf("insert fix: %w", err)
	}
	return nil
}

func (st *Store) AppendFixes(ctx context.Context, fixes []store.Fix) error {
	rows := make([][]interface{}, 0, len(fixes))
	for _, f := range fixes {
		if !finite(f.Latitude) || !finite(f.Longitude) {
			continue
		}
		rows = append(rows, []interface{}{f.IMEI, f.Latitude, f.Longitude, f.Time().UTC()})
	}
	if len(rows) == 0 {
		return nil
	}
	t1 := time.Now()
	n, err := st.db.CopyFrom(ctx, pgx.Identifier{st.table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy fixes: %w", err)
	}
	st.log.Debug().Str("action", "flush").Int64("length", n).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
	return nil
}
