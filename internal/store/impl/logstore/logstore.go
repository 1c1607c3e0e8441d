package logstore

import (
	"context"

	"github.com/phuslu/log"
)

// LogStore writes fixes to the log only, for running without a database.
type LogStore struct {
	log log.Logger
}

func NewStore() *LogStore {
	l := &LogStore{}
	l.log = log.DefaultLogger
	l.log.Context = log.NewContext(nil).Str("module", "logstore").Value()
	return l
}

func (l *LogStore) AppendFix(_ context.Context, imei string, lat, lon float64, ts int64) error {
	l.log.Info().Str("imei", imei).Float64("lat", lat).Float64("lon", lon).Int64("ts", ts).Msg("fix")
	return nil
}
