package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/OldEphraim/strategy-vault/api"
	"github.com/OldEphraim/strategy-vault/auth"
	"github.com/OldEphraim/strategy-vault/bus"
	"github.com/OldEphraim/strategy-vault/cache"
	"github.com/OldEphraim/strategy-vault/confidential"
	"github.com/OldEphraim/strategy-vault/db"
	"github.com/OldEphraim/strategy-vault/memstore"
	"github.com/OldEphraim/strategy-vault/stream"
	"github.com/OldEphraim/strategy-vault/utils/config"
	"github.com/OldEphraim/strategy-vault/utils/logging"
	"github.com/OldEphraim/strategy-vault/vault"
)

type ledger interface {
	vault.Store
	api.Funder
}

func main() {
	_ = godotenv.Load()

	configFile := flag.String("config", config.DefaultFile, "config file, relative to configs/")
	flag.Parse()

	cfg, err := config.NewLoader().Load(*configFile)
	if err != nil {
		log.Fatal("config: ", err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New("vault-api", cfg.LogDir, level)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Close()

	program, _ := cfg.Program()
	skew, _ := cfg.MaxSkew()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store ledger
	if cfg.DatabaseURL != "" {
		pg, err := db.NewStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("db.NewStore: ", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal("migrate: ", err)
		}
		store = pg
	} else {
		logger.Warn("DATABASE_URL not set; using the in-memory ledger")
		store = memstore.New()
	}

	hub := stream.NewHub(logger.Logger, 256)
	publishers := vault.MultiPublisher{hub}

	opts := api.Options{
		APIKey:   cfg.APIKey,
		Stream:   hub,
		Payments: confidential.NewPassthrough(),
		Logger:   logger.Logger,
	}
	var nonces auth.NonceStore = auth.NewMemoryNonces()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		nonces = cache.NewRequestNonces(rdb, cache.DefaultNoncePrefix)
		index := cache.NewStrategyIndex(rdb, store, cfg.Redis.Key, logger.Logger)
		if err := index.Rebuild(ctx); err != nil {
			logger.Warn("strategy index rebuild failed", "err", err)
		}
		publishers = append(publishers, index)
		opts.Marketplace = index
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := bus.NewEventPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer pub.Close()
		publishers = append(publishers, pub)
	}
	if cfg.DevFaucet {
		logger.Warn("dev faucet enabled")
		opts.Faucet = store
	}

	svc := vault.NewService(store, vault.NewAuthority(program),
		vault.WithLogger(logger.Logger),
		vault.WithPublisher(publishers),
	)
	verifier := &auth.Verifier{Domain: auth.DefaultDomain(program), MaxSkew: skew, Nonces: nonces}
	server := api.NewServer(svc, verifier, opts)

	port := strconv.Itoa(cfg.APIPort)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           server.Handler(os.Stdout),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api starting", "port", port, "program", program.Hex())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Log(context.Background(), logging.LevelCritical, "api stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("api stopped")
}
