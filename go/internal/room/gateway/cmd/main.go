package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/syncroom/go/internal/config"
	"github.com/mcdev12/syncroom/go/internal/dbconfig"
	"github.com/mcdev12/syncroom/go/internal/room"
	"github.com/mcdev12/syncroom/go/internal/room/bridge"
	"github.com/mcdev12/syncroom/go/internal/room/gateway"
	"github.com/mcdev12/syncroom/go/internal/room/mirror"
	"github.com/mcdev12/syncroom/go/internal/tracks"
)

// backends holds the external connections shared by the broker and the mirror.
type backends struct {
	broker  bridge.Broker
	status  gateway.BrokerStatus
	mirror  room.Mirror
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	cfg.SetupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	be, err := setupBackends(ctx, cfg, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up backends")
	}
	defer be.close()

	store, err := tracks.NewStore(cfg.UploadDir, cfg.MaxUploadBytes(), clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up track store")
	}

	// The connection manager is the local notifier; the bridge fans out to other processes.
	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), clock)
	bridgeConfig := bridge.DefaultConfig(cfg.InstanceID)
	bridgeConfig.Prefix = cfg.BrokerPrefix
	br := bridge.New(be.broker, cm, bridgeConfig)

	rooms := room.NewService(room.Config{
		Clock:     clock,
		Notifier:  br,
		Mirror:    be.mirror,
		MirrorTTL: cfg.MirrorTTL,
		Tracks:    store,
		Instance:  cfg.InstanceID,
	})
	rooms.SetLifecycle(br)
	br.Attach(rooms)
	router := bridge.NewRouter(rooms, br)

	health := gateway.NewHealthChecker(cfg.InstanceID, be.status, rooms, cm)
	gatewayService := gateway.NewService(gateway.Config{MaxUploadBytes: cfg.MaxUploadBytes()}, cm, router, store, health, clock)

	mux := http.NewServeMux()
	gatewayService.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	rooms.Start(ctx)
	go func() {
		if err := br.Start(ctx); err != nil {
			log.Error().Err(err).Msg("bridge failed")
		}
	}()

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("broker", cfg.Broker).
			Str("mirror", cfg.Mirror).
			Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	rooms.Stop()

	log.Info().Msg("syncroom shutdown complete")
}

func setupBackends(ctx context.Context, cfg config.Config, clock clockwork.Clock) (*backends, error) {
	be := &backends{mirror: room.NopMirror{}}

	var redisClient *redis.Client
	needRedis := cfg.Broker == config.BrokerRedis || cfg.Mirror == config.MirrorRedis
	if needRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		be.closers = append(be.closers, func() { redisClient.Close() })
	}

	natsConfig := bridge.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "syncroom-" + cfg.InstanceID
	needNATS := cfg.Broker == config.BrokerNATS || cfg.Mirror == config.MirrorNATS
	var natsBroker *bridge.NATSBroker
	if needNATS {
		nc, err := bridge.ConnectNATS(natsConfig)
		if err != nil {
			be.close()
			return nil, err
		}
		natsBroker = bridge.NewNATSBroker(nc)
		be.closers = append(be.closers, func() { natsBroker.Close() })

		if cfg.Mirror == config.MirrorNATS {
			kv, err := mirror.NewNATSKV(ctx, nc, cfg.MirrorBucket, cfg.MirrorTTL)
			if err != nil {
				be.close()
				return nil, err
			}
			be.mirror = kv
		}
	}

	switch cfg.Broker {
	case config.BrokerNATS:
		be.broker = natsBroker
		be.status = natsBroker
	case config.BrokerRedis:
		rb := bridge.NewRedisBroker(redisClient, cfg.BrokerPrefix)
		be.broker = rb
		be.status = rb
	}

	switch cfg.Mirror {
	case config.MirrorRedis:
		be.mirror = mirror.NewRedis(redisClient)
	case config.MirrorPostgres:
		db, err := dbconfig.Open(ctx, cfg.Database)
		if err != nil {
			be.close()
			return nil, err
		}
		be.closers = append(be.closers, func() { db.Close() })
		pg := mirror.NewPostgres(db, clock)
		if err := pg.EnsureSchema(ctx); err != nil {
			be.close()
			return nil, err
		}
		go pg.RunPruner(ctx, time.Minute)
		be.mirror = pg
	}

	log.Info().
		Str("broker", cfg.Broker).
		Str("mirror", cfg.Mirror).
		Msg("backends ready")
	return be, nil
}
