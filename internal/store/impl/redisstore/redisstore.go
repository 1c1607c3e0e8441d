package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"nuha.dev/avlgate/internal/store"
)

// Client is the subset of redis.Cmdable used by Store.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

var _ Client = (*redis.Client)(nil)

type Config struct {
	Prefix string
	MaxLen int64
}

// Store appends fixes to one stream per device and keeps the latest fix of
// every device in a hash.
type Store struct {
	rdb    Client
	config Config
}

func NewStore(rdb Client, config Config) *Store {
	if config.Prefix == "" {
		config.Prefix = "avl:"
	}
	return &Store{rdb: rdb, config: config}
}

func (st *Store) StreamKey(imei string) string {
	return st.config.Prefix + "fixes:" + imei
}

func (st *Store) LatestKey() string {
	return st.config.Prefix + "latest"
}

func (st *Store) AppendFix(ctx context.Context, imei string, lat, lon float64, ts int64) error {
	args := &redis.XAddArgs{
		Stream: st.StreamKey(imei),
		Values: map[string]interface{}{
			"imei": imei,
			"lat":  strconv.FormatFloat(lat, 'f', -1, 64),
			"lon":  strconv.FormatFloat(lon, 'f', -1, 64),
			"ts":   strconv.FormatInt(ts, 10),
		},
	}
	if st.config.MaxLen > 0 {
		args.MaxLen = st.config.MaxLen
		args.Approx = true
	}
	if err := st.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	latest, err := json.Marshal(store.Fix{IMEI: imei, Latitude: lat, Longitude: lon, Timestamp: ts})
	if err != nil {
		return err
	}
	if err := st.rdb.HSet(ctx, st.LatestKey(), imei, latest).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", st.LatestKey(), err)
	}
	return nil
}
