package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
	"nuha.dev/avlgate/internal/avl/device"
	"nuha.dev/avlgate/internal/avl/event"
	"nuha.dev/avlgate/internal/avl/server"
	"nuha.dev/avlgate/internal/avl/sublist"
	"nuha.dev/avlgate/internal/config"
	"nuha.dev/avlgate/internal/logging"
	"nuha.dev/avlgate/internal/metrics"
	"nuha.dev/avlgate/internal/relay/mqttrelay"
	"nuha.dev/avlgate/internal/relay/natsrelay"
	"nuha.dev/avlgate/internal/store"
	"nuha.dev/avlgate/internal/store/impl/logstore"
	"nuha.dev/avlgate/internal/store/impl/pgstore"
	"nuha.dev/avlgate/internal/store/impl/redisstore"
	"nuha.dev/avlgate/internal/webapp"
	"nuha.dev/avlgate/internal/webapp/webstream"
)

var configFile = flag.String("config", "", "path to the config file (yaml, toml or json)")

func main() {
	flag.Parse()
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	logCloser := logging.Setup(cfg.Log)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	m := metrics.NewAppMetrics(reg)
	devices := device.NewStore()

	bus, err := event.NewBus(1)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create event bus")
	}
	sublistmap := sublist.NewSublistMap()
	bus.Subscribe("webstream", ".*", sublistmap.Handle)

	sinks, closeSinks := openSinks(ctx, cfg)
	defer closeSinks()
	forwarder := store.NewForwarder(store.Multi(sinks...), m, &store.ForwarderConfig{
		QueueSize: cfg.Store.QueueSize,
		Workers:   cfg.Store.Workers,
		BatchSize: cfg.Store.BatchSize,
		Timeout:   cfg.Store.Timeout,
	})
	forwarder.Run()

	if cfg.NATS.Enable {
		nr, err := natsrelay.Dial(natsrelay.Config{URL: cfg.NATS.URL, Prefix: cfg.NATS.Prefix})
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("unable to connect to nats")
		}
		defer nr.Close()
		bus.Subscribe("nats", ".*", nr.Handle)
	}
	if cfg.MQTT.Enable {
		mr, err := mqttrelay.Connect(mqttrelay.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      cfg.MQTT.QoS,
			Timeout:  cfg.MQTT.Timeout,
		})
		if err != nil {
			log.Fatal().Err(err).Str("broker", cfg.MQTT.Broker).Msg("unable to connect to mqtt")
		}
		defer mr.Close()
		bus.Subscribe("mqtt", ".*", mr.Handle)
	}

	srv := server.NewServer(devices, forwarder, bus, m, &server.ServerConfig{
		ListenerAddr:   cfg.TCP.Addr,
		ProxyProtocol:  cfg.TCP.ProxyProtocol,
		IdleTimeout:    cfg.TCP.IdleTimeout,
		WriteTimeout:   cfg.TCP.WriteTimeout,
		KeepAlive:      cfg.TCP.KeepAlive,
		MaxConnections: cfg.TCP.MaxConnections,
		MaxPayload:     cfg.TCP.MaxPayload,
		ReadBufferSize: cfg.TCP.ReadBufferSize,
		TunnelAddr:     cfg.Tunnel.Addr,
		TunnelToken:    cfg.Tunnel.Token,
	})
	stream := webstream.NewWebstream(sublistmap, webstream.WebStreamConfig{
		MaxSubscription: cfg.Stream.MaxSubscription,
		Buffer:          cfg.Stream.Buffer,
	})
	api := webapp.NewApi(devices, srv, metrics.Handler(reg), stream, &webapp.ApiConfig{
		ListenAddr:  cfg.HTTP.Addr,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	})

	errc := make(chan error, 2)
	go func() { errc <- srv.Run() }()
	go func() { errc <- api.Run() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-errc:
		if err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := api.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("api shutdown")
	}
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("avl server shutdown")
	}
	forwarder.Close()
	log.Info().Int("devices", devices.Len()).Msg("bye")
}

// openSinks connects every configured store sink. The returned func closes
// the underlying clients.
func openSinks(ctx context.Context, cfg *config.Config) ([]store.FixStore, func()) {
	var sinks []store.FixStore
	var closers []func()
	for _, name := range cfg.Store.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, logstore.NewStore())
		case "postgres":
			pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
			if err != nil {
				log.Fatal().Err(err).Msg("unable to connect to postgres")
			}
			closers = append(closers, pool.Close)
			st := pgstore.NewStore(pool, cfg.Postgres.Table)
			if cfg.Postgres.EnsureSchema {
				if err = st.EnsureSchema(ctx); err != nil {
					log.Fatal().Err(err).Str("table", cfg.Postgres.Table).Msg("unable to create table")
				}
			}
			sinks = append(sinks, st)
		case "redis":
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("unable to connect to redis")
			}
			closers = append(closers, func() { rdb.Close() })
			sinks = append(sinks, redisstore.NewStore(rdb, redisstore.Config{Prefix: cfg.Redis.Prefix, MaxLen: cfg.Redis.MaxLen}))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, logstore.NewStore())
	}
	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}
